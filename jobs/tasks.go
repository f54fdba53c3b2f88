// Package jobs holds background task definitions and the worker bootstrap.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/custodian-platform/custodian/internal/audit"
	"github.com/custodian-platform/custodian/internal/observability"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAuditPrune is the scheduled retention sweep over audit records.
	TaskTypeAuditPrune = "audit:prune"
	// TaskTypeRoleChangeEmail notifies a principal their role changed.
	TaskTypeRoleChangeEmail = "mail:role_change"
	// TaskTypeIdempotencySweep removes expired idempotency keys.
	TaskTypeIdempotencySweep = "idempotency:sweep"
)

// idempotencyKeyTTL is how long a processed request key blocks replays.
const idempotencyKeyTTL = 24 * time.Hour

// RoleChangeEmailPayload describes a role change notification.
type RoleChangeEmailPayload struct {
	PrincipalID string `json:"principal_id"`
	PrevRole    string `json:"prev_role"`
	NewRole     string `json:"new_role"`
}

// NewAuditPruneTask constructs the retention sweep task.
func NewAuditPruneTask() *asynq.Task {
	return asynq.NewTask(TaskTypeAuditPrune, nil)
}

// NewRoleChangeEmailTask constructs a notification task.
func NewRoleChangeEmailTask(payload RoleChangeEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRoleChangeEmail, data), nil
}

// NewIdempotencySweepTask constructs the idempotency key sweep task.
func NewIdempotencySweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeIdempotencySweep, nil)
}

// Pruner deletes expired audit records.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// KeyCleaner removes idempotency keys older than a cutoff.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// NewIdempotencySweepHandler returns the handler for TaskTypeIdempotencySweep.
func NewIdempotencySweepHandler(cleaner KeyCleaner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if err := cleaner.Cleanup(ctx, idempotencyKeyTTL); err != nil {
			logger.Error("idempotency sweep", slog.Any("error", err))
			return err
		}
		return nil
	}
}

// NewAuditPruneHandler returns the handler for TaskTypeAuditPrune.
func NewAuditPruneHandler(pruner Pruner, metrics *observability.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		started := time.Now()
		deleted, err := pruner.Prune(ctx)
		if err != nil {
			logger.Error("audit prune", slog.Any("error", err))
			return err
		}
		if metrics != nil {
			metrics.AuditPruned(deleted)
		}
		logger.Info("audit prune complete",
			slog.Int64("deleted", deleted),
			slog.Duration("took", time.Since(started)))
		return nil
	}
}

// Mailer sends notification emails.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Auditor records delivery failures.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (audit.Record, error)
}

// NewRoleChangeEmailHandler returns the handler for TaskTypeRoleChangeEmail.
// Delivery failures are recorded in the audit log; the task is not retried
// because the role change itself already committed.
func NewRoleChangeEmailHandler(mailer Mailer, auditor Auditor, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload RoleChangeEmailPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		subject := "Your role was changed"
		body := "Your role changed from " + payload.PrevRole + " to " + payload.NewRole + "."
		if err := mailer.Send(ctx, payload.PrincipalID, subject, body); err != nil {
			logger.Warn("role change email",
				slog.String("principal", payload.PrincipalID), slog.Any("error", err))
			rec := audit.Record{
				Time:        time.Now().UTC(),
				RequestID:   uuid.New(),
				PrincipalID: payload.PrincipalID,
				Action:      audit.ActionEmailFailed,
				PrevState:   payload.PrevRole,
				NewState:    payload.NewRole,
				Outcome:     audit.OutcomeError,
				Reason:      "notification delivery failed",
			}
			if _, aerr := auditor.Append(ctx, rec); aerr != nil {
				logger.Error("audit email failure", slog.Any("error", aerr))
			}
			return asynq.SkipRetry
		}
		return nil
	}
}
