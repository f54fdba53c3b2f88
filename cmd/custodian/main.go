package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/custodian-platform/custodian/internal/app"
	"github.com/custodian-platform/custodian/internal/audit"
	audithttp "github.com/custodian-platform/custodian/internal/audit/http"
	"github.com/custodian-platform/custodian/internal/cascade"
	"github.com/custodian-platform/custodian/internal/guard"
	"github.com/custodian-platform/custodian/internal/observability"
	"github.com/custodian-platform/custodian/internal/platform/cache"
	"github.com/custodian-platform/custodian/internal/platform/db"
	"github.com/custodian-platform/custodian/internal/principal"
	"github.com/custodian-platform/custodian/internal/ratelimit"
	"github.com/custodian-platform/custodian/internal/shared"
	"github.com/custodian-platform/custodian/internal/transition"
	"github.com/custodian-platform/custodian/jobs"
	"github.com/custodian-platform/custodian/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
		logger.Error("apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	chain := audit.NewChain([]byte(cfg.AuditChainKey))
	auditRepo := audit.NewRepository(pool, chain)
	auditService := audit.NewService(auditRepo, cfg.AuditRetention)

	principalRepo := principal.NewRepository(pool)
	cascadeRepo := cascade.NewRepository(pool)
	cascadeService := cascade.NewService(cascadeRepo, auditService, logger)

	transitionStore := transition.NewRepository(pool, principalRepo, auditRepo)
	transitionService := transition.NewService(transitionStore, auditService, cascadeService, logger)

	limiter := ratelimit.New(cfg.RateTiers())

	locker := shared.NewEntityLocker(redisClient, cfg.EntityLockTTL)
	counters := shared.NewDenialCounter(redisClient, 24*time.Hour)
	idempotency := shared.NewIdempotencyStore(pool)

	g, err := guard.New(guard.Config{
		Methods:  guardMethods(transitionService, cascadeService, auditService, principalRepo),
		Limiter:  limiter,
		Locker:   locker,
		Auditor:  auditService,
		Counters: counters,
		Idemp:    idempotency,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("build guard", slog.Any("error", err))
		os.Exit(1)
	}

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Error("build jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Pool:              pool,
		GuardHandler:      guard.NewHandler(logger, g),
		TransitionHandler: transition.NewHandler(logger, transitionService, principalRepo, jobsClient),
		AuditHandler:      audithttp.NewHandler(logger, auditService),
		JobsHandler:       jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
