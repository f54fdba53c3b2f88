package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout occurs when an entity lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrLockNotHeld occurs when releasing a lock that expired or was taken over.
	ErrLockNotHeld = errors.New("lock not held")
)
