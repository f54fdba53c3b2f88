package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/custodian-platform/custodian/internal/app"
	"github.com/custodian-platform/custodian/internal/audit"
	"github.com/custodian-platform/custodian/internal/observability"
	"github.com/custodian-platform/custodian/internal/platform/db"
	"github.com/custodian-platform/custodian/internal/shared"
	"github.com/custodian-platform/custodian/jobs"
	"github.com/custodian-platform/custodian/migrations"
)

// logMailer stands in for an SMTP integration; delivery failures still flow
// through the audit log via the task handler.
type logMailer struct {
	logger *slog.Logger
}

func (m logMailer) Send(_ context.Context, to, subject, _ string) error {
	m.logger.Info("send email", slog.String("to", to), slog.String("subject", subject))
	return nil
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
		logger.Error("apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()

	chain := audit.NewChain([]byte(cfg.AuditChainKey))
	auditRepo := audit.NewRepository(pool, chain)
	auditService := audit.NewService(auditRepo, cfg.AuditRetention)
	idempotency := shared.NewIdempotencyStore(pool)

	redisOpts := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeAuditPrune, Handler: jobs.NewAuditPruneHandler(auditService, metrics, logger)},
			{Type: jobs.TaskTypeRoleChangeEmail, Handler: jobs.NewRoleChangeEmailHandler(logMailer{logger: logger}, auditService, logger)},
			{Type: jobs.TaskTypeIdempotencySweep, Handler: jobs.NewIdempotencySweepHandler(idempotency, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AuditPruneSchedule, Task: jobs.NewAuditPruneTask()},
			{Spec: "30 * * * *", Task: jobs.NewIdempotencySweepTask()},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
