package cascade

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/custodian-platform/custodian/internal/audit"
	"github.com/custodian-platform/custodian/internal/principal"
)

// maxParallel bounds concurrent grant updates during one cascade.
const maxParallel = 8

// Store is the persistence contract for the dependents index and grants.
type Store interface {
	Dependents(ctx context.Context, principalID string) ([]Dependent, error)
	UpsertGrant(ctx context.Context, grant Grant) error
	AddDependent(ctx context.Context, principalID string, dep Dependent) error
	RemoveDependent(ctx context.Context, principalID, granteeID, resource string) error
}

// Recorder appends cascade outcomes to the audit log.
type Recorder interface {
	Append(ctx context.Context, rec audit.Record) (audit.Record, error)
}

// Service propagates a principal's role change to its dependent grants.
type Service struct {
	store    Store
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(store Store, recorder Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, recorder: recorder, logger: logger, now: time.Now}
}

// Cascade recomputes every dependent grant of principalID after its role
// changed. Each dependent ends at min(new rank, its ceiling). Updates are
// independent: one failure is collected and the rest continue. The parent
// role change is never rolled back here.
func (s *Service) Cascade(ctx context.Context, principalID string, newRole principal.Role) (Result, error) {
	deps, err := s.store.Dependents(ctx, principalID)
	if err != nil {
		return Result{}, err
	}

	rank := newRole.Rank()
	now := s.now().UTC()

	var mu sync.Mutex
	var result Result
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, dep := range deps {
		dep := dep
		g.Go(func() error {
			level := rank
			if dep.Ceiling < level {
				level = dep.Ceiling
			}
			grant := Grant{
				GranteeID:     dep.GranteeID,
				Resource:      dep.Resource,
				Level:         level,
				InheritedFrom: principalID,
				UpdatedAt:     now,
			}
			if err := s.store.UpsertGrant(gctx, grant); err != nil {
				s.logger.Warn("cascade grant update",
					slog.String("grantee", dep.GranteeID),
					slog.String("resource", dep.Resource),
					slog.Any("error", err))
				mu.Lock()
				result.Failed = append(result.Failed, Failure{
					GranteeID: dep.GranteeID,
					Resource:  dep.Resource,
					Reason:    err.Error(),
				})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			result.Updated = append(result.Updated, grant)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Updated, func(i, j int) bool {
		if result.Updated[i].GranteeID == result.Updated[j].GranteeID {
			return result.Updated[i].Resource < result.Updated[j].Resource
		}
		return result.Updated[i].GranteeID < result.Updated[j].GranteeID
	})
	sort.Slice(result.Failed, func(i, j int) bool {
		if result.Failed[i].GranteeID == result.Failed[j].GranteeID {
			return result.Failed[i].Resource < result.Failed[j].Resource
		}
		return result.Failed[i].GranteeID < result.Failed[j].GranteeID
	})

	s.record(ctx, principalID, newRole, result)
	return result, nil
}

// AddDependent registers one edge in the index.
func (s *Service) AddDependent(ctx context.Context, principalID string, dep Dependent) error {
	return s.store.AddDependent(ctx, principalID, dep)
}

// RemoveDependent drops one edge from the index.
func (s *Service) RemoveDependent(ctx context.Context, principalID, granteeID, resource string) error {
	return s.store.RemoveDependent(ctx, principalID, granteeID, resource)
}

func (s *Service) record(ctx context.Context, principalID string, newRole principal.Role, result Result) {
	if s.recorder == nil {
		return
	}
	outcome := audit.OutcomeSuccess
	reason := ""
	if len(result.Failed) > 0 {
		outcome = audit.OutcomeError
		reason = "some dependent grants failed to update"
	}
	_, err := s.recorder.Append(ctx, audit.Record{
		Time:        s.now().UTC(),
		PrincipalID: principalID,
		Action:      audit.ActionCascade,
		NewState:    string(newRole),
		Outcome:     outcome,
		Reason:      reason,
	})
	if err != nil {
		s.logger.Error("record cascade", slog.Any("error", err))
	}
}
