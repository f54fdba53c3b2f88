package transition

import (
	"fmt"

	"github.com/custodian-platform/custodian/internal/principal"
)

// allowedEdges is the closed set of permitted role transitions. Upward moves
// go one level at a time; downward moves may skip levels.
var allowedEdges = map[principal.Role][]principal.Role{
	principal.RoleUser:       {principal.RoleAdmin},
	principal.RoleAdmin:      {principal.RoleUser, principal.RoleSuperAdmin},
	principal.RoleSuperAdmin: {principal.RoleAdmin, principal.RoleUser},
}

// Validate checks a role-transition request against the hierarchy rules.
// It is pure: calling it any number of times with the same input yields the
// same output and mutates nothing.
func Validate(req Request) Result {
	if !req.From.Valid() || !req.To.Valid() {
		return Result{
			Code:   CodeInvalidRole,
			Reason: "request names a role outside the known set",
		}
	}
	if !req.RequestedBy.Role.Valid() {
		return Result{
			Code:   CodeInvalidRole,
			Reason: "requesting principal has an unknown role",
		}
	}

	allowed := allowedEdges[req.From]

	if req.From == req.To {
		return Result{
			Code:               CodeNoChangeRequired,
			Reason:             fmt.Sprintf("principal already holds role %s", req.To),
			AllowedTransitions: allowed,
		}
	}

	if !edgeAllowed(req.From, req.To) {
		code := CodeTransitionNotAllowed
		reason := fmt.Sprintf("transition %s to %s is not permitted", req.From, req.To)
		if req.To.Rank() > req.From.Rank()+1 {
			code = CodeHierarchyViolation
			reason = fmt.Sprintf("transition %s to %s skips a hierarchy level", req.From, req.To)
		}
		return Result{Code: code, Reason: reason, AllowedTransitions: allowed}
	}

	// A requester can only grant roles strictly below their own rank, so
	// nobody can escalate themselves or a peer to their own level.
	if req.RequestedBy.Role.Rank() <= req.To.Rank() {
		return Result{
			Code:               CodeInsufficientPermissions,
			Reason:             fmt.Sprintf("granting %s requires a role above %s", req.To, req.To),
			AllowedTransitions: allowed,
		}
	}

	return Result{Valid: true, Code: CodeOK, AllowedTransitions: allowed}
}

func edgeAllowed(from, to principal.Role) bool {
	for _, t := range allowedEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}
