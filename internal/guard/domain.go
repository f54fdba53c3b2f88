package guard

import (
	"context"

	"github.com/custodian-platform/custodian/internal/sanitize"
)

// Code identifies why the guard rejected or failed an invocation.
type Code string

const (
	// CodeOK marks a completed invocation.
	CodeOK Code = "OK"
	// CodeMethodNotAllowed marks a method outside the allowlist.
	CodeMethodNotAllowed Code = "METHOD_NOT_ALLOWED"
	// CodeRateLimited marks an invocation rejected by the token bucket.
	CodeRateLimited Code = "RATE_LIMITED"
	// CodeUnsafeArgument marks args carrying dangerous structural keys.
	CodeUnsafeArgument Code = "UNSAFE_ARGUMENT"
	// CodeLockTimeout marks a per-entity lock that stayed contended.
	CodeLockTimeout Code = "LOCK_TIMEOUT"
	// CodeAuditWriteFailed marks an invocation whose audit record could not be written.
	CodeAuditWriteFailed Code = "AUDIT_WRITE_FAILED"
	// CodeDuplicate marks a replayed idempotency key.
	CodeDuplicate Code = "DUPLICATE_REQUEST"
	// CodeInternal marks an execution failure, always sanitized.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Args carries the invocation payload.
type Args map[string]any

// Method is one allowlisted operation. Anything not registered is rejected
// before any other processing.
type Method struct {
	// Name is the invocation name, "class:resource" (e.g. "update:applications").
	Name string
	// Mutating methods take the per-entity lock before executing.
	Mutating bool
	// EntityKey derives the lock key from the args. Optional; mutating
	// methods without one are serialised on the method name.
	EntityKey func(Args) string
	// Handler executes the operation.
	Handler func(ctx context.Context, principalID string, args Args) (any, error)
}

// Result is the uniform shape every invocation returns. Exactly one of Data
// and Err is set. Err only ever holds sanitized content.
type Result struct {
	Success   bool                `json:"success"`
	Code      Code                `json:"code"`
	RequestID string              `json:"request_id"`
	Reason    string              `json:"reason,omitempty"`
	Data      any                 `json:"data,omitempty"`
	Err       *sanitize.Sanitized `json:"error,omitempty"`
}
