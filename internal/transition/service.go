package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/custodian-platform/custodian/internal/audit"
	"github.com/custodian-platform/custodian/internal/cascade"
	"github.com/custodian-platform/custodian/internal/principal"
)

// ErrRejected wraps a validation rejection returned from ChangeRole so
// callers can distinguish it from operational failures.
var ErrRejected = errors.New("transition: rejected")

// Store is the persistence contract for role changes. Commit must apply the
// role mutation and the audit record atomically: if either fails, neither
// is visible.
type Store interface {
	GetPrincipal(ctx context.Context, id string) (principal.Principal, error)
	Commit(ctx context.Context, subjectID string, to principal.Role, rec audit.Record) (audit.Record, error)
	// Append records an audit entry without touching any principal.
	Append(ctx context.Context, rec audit.Record) (audit.Record, error)
}

// AuditReader supplies role history queries.
type AuditReader interface {
	QueryByPrincipal(ctx context.Context, principalID string, since time.Time) ([]audit.Record, error)
	Retention() time.Duration
}

// Cascader propagates a committed role change to the subject's dependent
// permission grants.
type Cascader interface {
	Cascade(ctx context.Context, principalID string, newRole principal.Role) (cascade.Result, error)
}

// Service validates and commits role transitions. It is the sole mutator of
// Principal.Role.
type Service struct {
	store    Store
	auditr   AuditReader
	cascader Cascader
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time
}

// NewService constructs a Service. cascader may be nil; committed role
// changes then leave dependent grants untouched.
func NewService(store Store, auditr AuditReader, cascader Cascader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, auditr: auditr, cascader: cascader, logger: logger, now: time.Now}
}

// Validate resolves the subject's current role and runs the hierarchy rules.
// Validation-only calls mutate nothing.
func (s *Service) Validate(ctx context.Context, req Request) (Result, error) {
	if req.From == "" {
		subject, err := s.store.GetPrincipal(ctx, req.SubjectID)
		if err != nil {
			return Result{}, err
		}
		req.From = subject.Role
	}
	return Validate(req), nil
}

// ChangeRole validates the request and, when valid, commits the role
// mutation together with its audit record in one transaction. A rejection
// is recorded as a DENIED audit entry without touching the principal.
func (s *Service) ChangeRole(ctx context.Context, req Request) (CommitResult, Result, error) {
	subject, err := s.store.GetPrincipal(ctx, req.SubjectID)
	if err != nil {
		return CommitResult{}, Result{}, err
	}
	if req.From == "" {
		req.From = subject.Role
	} else if req.From != subject.Role {
		res := Result{
			Code:   CodeTransitionNotAllowed,
			Reason: "subject role changed since the request was prepared",
		}
		return CommitResult{}, res, fmt.Errorf("%w: %s", ErrRejected, res.Code)
	}

	res := Validate(req)
	requestID := uuid.New()

	if !res.Valid {
		rec := audit.Record{
			Time:        s.now().UTC(),
			RequestID:   requestID,
			PrincipalID: req.SubjectID,
			Action:      audit.ActionRoleChange,
			PrevState:   string(req.From),
			NewState:    string(req.To),
			Outcome:     audit.OutcomeDenied,
			Reason:      fmt.Sprintf("%s: %s (requested by %s)", res.Code, res.Reason, req.RequestedBy.ID),
		}
		if _, err := s.store.Append(ctx, rec); err != nil {
			s.logger.Error("record denied role change", slog.Any("error", err))
			return CommitResult{}, res, err
		}
		return CommitResult{}, res, fmt.Errorf("%w: %s", ErrRejected, res.Code)
	}

	rec := audit.Record{
		Time:        s.now().UTC(),
		RequestID:   requestID,
		PrincipalID: req.SubjectID,
		Action:      audit.ActionRoleChange,
		PrevState:   string(req.From),
		NewState:    string(req.To),
		Outcome:     audit.OutcomeSuccess,
		Reason:      fmt.Sprintf("%s (requested by %s)", req.Reason, req.RequestedBy.ID),
	}
	stored, err := s.store.Commit(ctx, req.SubjectID, req.To, rec)
	if err != nil {
		return CommitResult{}, res, err
	}
	subject.Role = req.To

	commit := CommitResult{
		Subject:   subject,
		AuditSeq:  stored.Seq,
		RequestID: requestID.String(),
	}

	// The role is committed; dependent grants must follow it so a demotion
	// cannot leave a grantee above the subject's new rank. Cascade failures
	// are audited by the cascade service itself and reported, not rolled
	// back.
	if s.cascader != nil {
		cres, cerr := s.cascader.Cascade(ctx, req.SubjectID, req.To)
		if cerr != nil {
			// The role change stands; record that propagation did not run
			// instead of failing a committed request.
			s.logger.Error("cascade after role change",
				slog.String("subject", req.SubjectID), slog.Any("error", cerr))
			failRec := audit.Record{
				Time:        s.now().UTC(),
				RequestID:   uuid.New(),
				PrincipalID: req.SubjectID,
				Action:      audit.ActionCascade,
				PrevState:   string(req.From),
				NewState:    string(req.To),
				Outcome:     audit.OutcomeError,
				Reason:      "grant propagation did not run",
			}
			if _, aerr := s.store.Append(ctx, failRec); aerr != nil {
				s.logger.Error("record cascade failure", slog.Any("error", aerr))
			}
		} else {
			commit.CascadeUpdated = len(cres.Updated)
			commit.CascadeFailed = len(cres.Failed)
		}
	}
	return commit, res, nil
}

// RoleHistory returns the principal's role-change audit records inside the
// retention window, newest first. Concurrent identical queries are coalesced.
func (s *Service) RoleHistory(ctx context.Context, principalID string) ([]audit.Record, error) {
	v, err, _ := s.group.Do("history:"+principalID, func() (any, error) {
		since := s.now().Add(-s.auditr.Retention())
		records, err := s.auditr.QueryByPrincipal(ctx, principalID, since)
		if err != nil {
			return nil, err
		}
		var history []audit.Record
		for _, rec := range records {
			if rec.Action == audit.ActionRoleChange {
				history = append(history, rec)
			}
		}
		return history, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]audit.Record), nil
}
