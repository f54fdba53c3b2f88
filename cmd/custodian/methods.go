package main

import (
	"context"
	"errors"
	"time"

	"github.com/custodian-platform/custodian/internal/audit"
	"github.com/custodian-platform/custodian/internal/cascade"
	"github.com/custodian-platform/custodian/internal/guard"
	"github.com/custodian-platform/custodian/internal/principal"
	"github.com/custodian-platform/custodian/internal/transition"
)

// guardMethods builds the invocation allowlist. Every operation the admin UI
// can trigger goes through here; nothing else is callable.
func guardMethods(
	transitions *transition.Service,
	cascades *cascade.Service,
	audits *audit.Service,
	principals *principal.Repository,
) []guard.Method {
	principalKey := func(args guard.Args) string {
		return "principal:" + argString(args, "subject_id")
	}

	return []guard.Method{
		{
			Name:      "update:role",
			Mutating:  true,
			EntityKey: principalKey,
			Handler: func(ctx context.Context, principalID string, args guard.Args) (any, error) {
				requester, err := principals.Get(ctx, principalID)
				if err != nil {
					return nil, err
				}
				req := transition.Request{
					SubjectID:   argString(args, "subject_id"),
					From:        principal.Role(argString(args, "from")),
					To:          principal.Role(argString(args, "to")),
					RequestedBy: requester,
					Reason:      argString(args, "reason"),
				}
				commit, result, err := transitions.ChangeRole(ctx, req)
				if err != nil {
					if errors.Is(err, transition.ErrRejected) {
						return map[string]any{
							"valid":  false,
							"code":   string(result.Code),
							"reason": result.Reason,
						}, nil
					}
					return nil, err
				}
				return map[string]any{
					"valid":          true,
					"subject_id":     commit.Subject.ID,
					"role":           string(commit.Subject.Role),
					"request_id":     commit.RequestID,
					"grants_updated": commit.CascadeUpdated,
					"grants_failed":  commit.CascadeFailed,
				}, nil
			},
		},
		{
			Name:      "cascade:permissions",
			Mutating:  true,
			EntityKey: principalKey,
			Handler: func(ctx context.Context, principalID string, args guard.Args) (any, error) {
				subjectID := argString(args, "subject_id")
				subject, err := principals.Get(ctx, subjectID)
				if err != nil {
					return nil, err
				}
				result, err := cascades.Cascade(ctx, subjectID, subject.Role)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"updated": len(result.Updated),
					"failed":  len(result.Failed),
				}, nil
			},
		},
		{
			Name: "read:principals",
			Handler: func(ctx context.Context, principalID string, args guard.Args) (any, error) {
				subject, err := principals.Get(ctx, argString(args, "subject_id"))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"id":   subject.ID,
					"role": string(subject.Role),
				}, nil
			},
		},
		{
			Name: "read:audit",
			Handler: func(ctx context.Context, principalID string, args guard.Args) (any, error) {
				filters := audit.TimelineFilters{
					PrincipalID: argString(args, "subject_id"),
					From:        time.Now().UTC().Add(-audits.Retention()),
					To:          time.Now().UTC(),
				}
				result, err := audits.Timeline(ctx, filters)
				if err != nil {
					return nil, err
				}
				return result.Rows, nil
			},
		},
	}
}

func argString(args guard.Args, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}
