package audit

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how an audited action ended.
type Outcome string

const (
	// OutcomeSuccess marks an action that completed.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeDenied marks an action rejected by policy.
	OutcomeDenied Outcome = "DENIED"
	// OutcomeError marks an action that failed while executing.
	OutcomeError Outcome = "ERROR"
)

// Well-known audited actions.
const (
	ActionRoleChange  = "ROLE_CHANGE"
	ActionInvoke      = "INVOKE"
	ActionCascade     = "PERMISSION_CASCADE"
	ActionEmailFailed = "EMAIL_FAILED"
)

// Record is one immutable audit entry. Seq and ChainHash are assigned by the
// store on insert; callers supply the rest.
type Record struct {
	Seq         int64
	Time        time.Time
	RequestID   uuid.UUID
	PrincipalID string
	Action      string
	PrevState   string
	NewState    string
	Outcome     Outcome
	Reason      string
	ChainHash   []byte
}

// TimelineFilters narrows a timeline query.
type TimelineFilters struct {
	From        time.Time
	To          time.Time
	PrincipalID string
	Action      string
	Outcome     string
	Page        int
	PageSize    int
}

// PagingInfo carries pagination metadata for timeline results.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result bundles timeline rows with paging info.
type Result struct {
	Rows   []Record
	Paging PagingInfo
}

// DefaultRetention is how long records stay queryable before pruning.
const DefaultRetention = 90 * 24 * time.Hour
