package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DenialCounter keeps lightweight per-principal denial tallies in redis.
// Denied requests get a counter bump instead of a full audit record.
type DenialCounter struct {
	client *redis.Client
	window time.Duration
}

// NewDenialCounter constructs a counter with the given rolling window.
func NewDenialCounter(client *redis.Client, window time.Duration) *DenialCounter {
	if window <= 0 {
		window = time.Hour
	}
	return &DenialCounter{client: client, window: window}
}

// Bump increments the counter for one (principal, kind) pair. kind is the
// denial category, e.g. "rate_limited" or "method_not_allowed". Counter
// failures are best-effort and returned for logging only.
func (c *DenialCounter) Bump(ctx context.Context, principalID, kind string) error {
	if c == nil || c.client == nil {
		return nil
	}
	key := fmt.Sprintf("custodian:denials:%s:%s", kind, principalID)
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, c.window)
	_, err := pipe.Exec(ctx)
	return err
}

// Count reads the current tally for one (principal, kind) pair.
func (c *DenialCounter) Count(ctx context.Context, principalID, kind string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	key := fmt.Sprintf("custodian:denials:%s:%s", kind, principalID)
	n, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
