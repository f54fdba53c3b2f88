package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EntityLockKey builds redis keys for per-entity mutation critical sections.
func EntityLockKey(resourceKey string) string {
	return fmt.Sprintf("custodian:entity:%s:lock", resourceKey)
}

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// EntityLocker serialises mutations per resource key across all workers.
// Two different entities may be mutated concurrently; the same entity is not.
type EntityLocker struct {
	client    *redis.Client
	ttl       time.Duration
	retryWait time.Duration
}

// NewEntityLocker constructs a locker. ttl bounds how long a crashed holder
// can block others; retryWait paces acquisition attempts.
func NewEntityLocker(client *redis.Client, ttl time.Duration) *EntityLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &EntityLocker{client: client, ttl: ttl, retryWait: 25 * time.Millisecond}
}

// Lock represents one held entity lock.
type Lock struct {
	locker *EntityLocker
	key    string
	token  string
}

// Acquire takes the lock for resourceKey, retrying until timeout elapses.
// It returns ErrLockTimeout when the lock stayed contended; callers treat
// that as an operational failure, never swallow it.
func (l *EntityLocker) Acquire(ctx context.Context, resourceKey string, timeout time.Duration) (*Lock, error) {
	key := EntityLockKey(resourceKey)
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("shared: acquire lock %s: %w", resourceKey, err)
		}
		if ok {
			return &Lock{locker: l, key: key, token: token}, nil
		}
		if time.Now().Add(l.retryWait).After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, resourceKey)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryWait):
		}
	}
}

// Release frees the lock. Releasing a lock that already expired returns
// ErrLockNotHeld so the caller can log the overrun.
func (lk *Lock) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token).Int()
	if err != nil {
		return fmt.Errorf("shared: release lock: %w", err)
	}
	if deleted == 0 {
		return ErrLockNotHeld
	}
	return nil
}
