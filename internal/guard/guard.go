// Package guard mediates every cross-component invocation: allowlist
// enforcement, rate limiting, per-entity serialisation, auditing and error
// sanitization. Raw errors never cross this boundary.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/custodian-platform/custodian/internal/audit"
	"github.com/custodian-platform/custodian/internal/observability"
	"github.com/custodian-platform/custodian/internal/ratelimit"
	"github.com/custodian-platform/custodian/internal/sanitize"
	"github.com/custodian-platform/custodian/internal/shared"
)

// Auditor is the audit contract the guard needs.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (audit.Record, error)
}

// lockTimeout bounds how long an invocation waits for a contended entity.
const lockTimeout = 3 * time.Second

// Guard is the single entry point for inbound requests. The limiter is
// injected so tests get isolated instances; nothing here is global.
type Guard struct {
	methods  map[string]Method
	limiter  *ratelimit.Limiter
	locker   *shared.EntityLocker
	auditor  Auditor
	counters *shared.DenialCounter
	idemp    *shared.IdempotencyStore
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Config collects guard dependencies. Methods is the closed allowlist.
type Config struct {
	Methods  []Method
	Limiter  *ratelimit.Limiter
	Locker   *shared.EntityLocker
	Auditor  Auditor
	Counters *shared.DenialCounter
	Idemp    *shared.IdempotencyStore
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// New constructs a Guard.
func New(cfg Config) (*Guard, error) {
	if cfg.Limiter == nil {
		return nil, errors.New("guard: limiter required")
	}
	if cfg.Auditor == nil {
		return nil, errors.New("guard: auditor required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	methods := make(map[string]Method, len(cfg.Methods))
	for _, m := range cfg.Methods {
		if m.Name == "" || m.Handler == nil {
			return nil, fmt.Errorf("guard: method %q incomplete", m.Name)
		}
		if _, dup := methods[m.Name]; dup {
			return nil, fmt.Errorf("guard: method %q registered twice", m.Name)
		}
		methods[m.Name] = m
	}
	return &Guard{
		methods:  methods,
		limiter:  cfg.Limiter,
		locker:   cfg.Locker,
		auditor:  cfg.Auditor,
		counters: cfg.Counters,
		idemp:    cfg.Idemp,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Invoke runs one allowlisted method on behalf of principalID.
func (g *Guard) Invoke(ctx context.Context, principalID, methodName string, args Args) Result {
	requestID := uuid.NewString()

	method, ok := g.methods[methodName]
	if !ok {
		// Unknown methods never reach any downstream logic and leave no
		// audit record beyond the denial counter.
		g.bumpDenial(ctx, principalID, "method_not_allowed")
		return Result{
			Code:      CodeMethodNotAllowed,
			RequestID: requestID,
			Reason:    fmt.Sprintf("method %q is not permitted", methodName),
		}
	}

	if !g.limiter.TryAcquire(principalID, method.Name) {
		g.bumpDenial(ctx, principalID, "rate_limited")
		return Result{
			Code:      CodeRateLimited,
			RequestID: requestID,
			Reason:    "rate limit exceeded, retry later",
		}
	}

	if err := checkArgs(args); err != nil {
		g.logger.Warn("unsafe invocation args",
			slog.String("principal", principalID),
			slog.String("method", methodName),
			slog.Any("error", err))
		g.bumpDenial(ctx, principalID, "unsafe_argument")
		return Result{
			Code:      CodeUnsafeArgument,
			RequestID: requestID,
			Reason:    "arguments contain a forbidden structural key",
		}
	}

	if key, found := idempotencyKey(args); found && g.idemp != nil {
		if err := g.idemp.CheckAndInsert(ctx, key, method.Name); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Result{
					Code:      CodeDuplicate,
					RequestID: requestID,
					Reason:    "this request was already processed",
				}
			}
			return g.failure(ctx, principalID, method.Name, requestID, err)
		}
	}

	if method.Mutating && g.locker != nil {
		entityKey := method.Name
		if method.EntityKey != nil {
			if k := method.EntityKey(args); k != "" {
				entityKey = k
			}
		}
		lock, err := g.locker.Acquire(ctx, entityKey, lockTimeout)
		if err != nil {
			if errors.Is(err, shared.ErrLockTimeout) {
				g.observe(method.Name, string(CodeLockTimeout))
				return Result{
					Code:      CodeLockTimeout,
					RequestID: requestID,
					Reason:    "the entity is busy, retry later",
				}
			}
			return g.failure(ctx, principalID, method.Name, requestID, err)
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				g.logger.Warn("release entity lock",
					slog.String("entity", entityKey), slog.Any("error", err))
			}
		}()
	}

	data, err := method.Handler(ctx, principalID, args)
	if err != nil {
		if key, found := idempotencyKey(args); found && g.idemp != nil {
			if derr := g.idemp.Delete(ctx, key); derr != nil {
				g.logger.Warn("free idempotency key", slog.Any("error", derr))
			}
		}
		return g.failure(ctx, principalID, method.Name, requestID, err)
	}

	rec := audit.Record{
		Time:        g.now().UTC(),
		RequestID:   uuid.MustParse(requestID),
		PrincipalID: principalID,
		Action:      method.Name,
		Outcome:     audit.OutcomeSuccess,
	}
	if _, err := g.auditor.Append(ctx, rec); err != nil {
		// Audit failures are loud: the action ran but the caller learns
		// recording failed instead of getting a silent success.
		g.logger.Error("audit append", slog.String("method", method.Name), slog.Any("error", err))
		g.observe(method.Name, string(CodeAuditWriteFailed))
		return Result{
			Code:      CodeAuditWriteFailed,
			RequestID: requestID,
			Reason:    "the action completed but could not be recorded",
		}
	}

	g.observe(method.Name, string(CodeOK))
	return Result{
		Success:   true,
		Code:      CodeOK,
		RequestID: requestID,
		Data:      data,
	}
}

// Methods lists the allowlist, for diagnostics.
func (g *Guard) Methods() []string {
	names := make([]string, 0, len(g.methods))
	for name := range g.methods {
		names = append(names, name)
	}
	return names
}

func (g *Guard) failure(ctx context.Context, principalID, methodName, requestID string, err error) Result {
	sanitized := sanitize.Sanitize(err)
	sanitized.RequestID = requestID
	g.logger.Error("invocation failed",
		slog.String("principal", principalID),
		slog.String("method", methodName),
		slog.String("request_id", requestID),
		slog.Any("error", err))

	rec := audit.Record{
		Time:        g.now().UTC(),
		RequestID:   uuid.MustParse(requestID),
		PrincipalID: principalID,
		Action:      methodName,
		Outcome:     audit.OutcomeError,
		Reason:      sanitized.Message,
	}
	if _, aerr := g.auditor.Append(ctx, rec); aerr != nil {
		g.logger.Error("audit append after failure", slog.Any("error", aerr))
	}
	g.observe(methodName, string(CodeInternal))
	return Result{
		Code:      CodeInternal,
		RequestID: requestID,
		Err:       &sanitized,
	}
}

// denialKinds are the pre-execution rejection categories. They are tallied
// per principal rather than audited, since nothing executed.
var denialKinds = []string{"method_not_allowed", "rate_limited", "unsafe_argument"}

// DenialStats reads the current per-kind denial tallies for one principal
// inside the counter's rolling window.
func (g *Guard) DenialStats(ctx context.Context, principalID string) (map[string]int64, error) {
	stats := make(map[string]int64, len(denialKinds))
	for _, kind := range denialKinds {
		n, err := g.counters.Count(ctx, principalID, kind)
		if err != nil {
			return nil, err
		}
		stats[kind] = n
	}
	return stats, nil
}

func (g *Guard) bumpDenial(ctx context.Context, principalID, kind string) {
	if g.metrics != nil {
		g.metrics.Denial(kind)
	}
	if g.counters == nil {
		return
	}
	if err := g.counters.Bump(ctx, principalID, kind); err != nil {
		g.logger.Warn("denial counter", slog.String("kind", kind), slog.Any("error", err))
	}
}

func (g *Guard) observe(method, outcome string) {
	if g.metrics != nil {
		g.metrics.Invocation(method, strings.ToLower(outcome))
	}
}

func idempotencyKey(args Args) (string, bool) {
	raw, ok := args["idempotency_key"]
	if !ok {
		return "", false
	}
	key, ok := raw.(string)
	if !ok || key == "" {
		return "", false
	}
	return key, true
}
