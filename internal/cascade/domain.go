package cascade

import "time"

// Grant is a permission level held by a dependent entity, derived from the
// principal it inherits from.
type Grant struct {
	GranteeID     string
	Resource      string
	Level         int
	InheritedFrom string
	UpdatedAt     time.Time
}

// Dependent is one edge in the principal -> dependent index. Ceiling caps
// the level the dependent may ever hold, regardless of the parent's rank.
type Dependent struct {
	GranteeID string
	Resource  string
	Ceiling   int
}

// Failure records one dependent that could not be updated. Failures never
// abort the rest of the cascade.
type Failure struct {
	GranteeID string
	Resource  string
	Reason    string
}

// Result reports which dependents were updated and which failed.
type Result struct {
	Updated []Grant
	Failed  []Failure
}
