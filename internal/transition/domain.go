package transition

import (
	"github.com/custodian-platform/custodian/internal/principal"
)

// Code identifies why a transition request was rejected. Rejections are
// expected control-flow outcomes, not errors.
type Code string

const (
	// CodeOK marks a valid request.
	CodeOK Code = "OK"
	// CodeInvalidRole marks a request naming a role outside the known set.
	CodeInvalidRole Code = "INVALID_ROLE"
	// CodeNoChangeRequired marks a from==to request; a no-op signal.
	CodeNoChangeRequired Code = "NO_CHANGE_REQUIRED"
	// CodeTransitionNotAllowed marks an edge missing from the transition table.
	CodeTransitionNotAllowed Code = "TRANSITION_NOT_ALLOWED"
	// CodeInsufficientPermissions marks a requester who does not outrank the target role.
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	// CodeHierarchyViolation marks an upward jump skipping a hierarchy level.
	CodeHierarchyViolation Code = "HIERARCHY_VIOLATION"
)

// Request asks to move a principal from one role to another.
type Request struct {
	SubjectID   string
	From        principal.Role
	To          principal.Role
	RequestedBy principal.Principal
	Reason      string
}

// Result reports the outcome of validating a Request. Reason is safe to show
// to admin UI users as-is.
type Result struct {
	Valid              bool
	Code               Code
	Reason             string
	AllowedTransitions []principal.Role
}

// CommitResult describes a committed role change. The cascade counts report
// how many dependent permission grants followed the new role; a failed grant
// propagation is audited under ActionCascade and leaves both at zero.
type CommitResult struct {
	Subject        principal.Principal
	AuditSeq       int64
	RequestID      string
	CascadeUpdated int
	CascadeFailed  int
}
