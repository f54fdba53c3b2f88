// Package ratelimit implements per-principal, per-resource token-bucket
// admission control with lazy refill and idle-bucket eviction.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Tier configures one resource class of buckets.
type Tier struct {
	Capacity    int
	RefillPerMs float64
}

// Config maps resource classes to tiers. The class of a resource key is its
// prefix up to the first colon ("update:applications" belongs to "update").
// Keys without a recognised class fall back to Default.
type Config struct {
	Tiers   map[string]Tier
	Default Tier
	// IdleWindow bounds bucket lifetime: buckets untouched for longer are evicted.
	IdleWindow time.Duration
}

// DefaultConfig returns the standard tiers: mutating operations get stricter
// budgets than reads.
func DefaultConfig() Config {
	return Config{
		Tiers: map[string]Tier{
			"read":   {Capacity: 100, RefillPerMs: 0.05},
			"create": {Capacity: 20, RefillPerMs: 0.01},
			"update": {Capacity: 20, RefillPerMs: 0.01},
			"delete": {Capacity: 10, RefillPerMs: 0.005},
		},
		Default:    Tier{Capacity: 30, RefillPerMs: 0.01},
		IdleWindow: 10 * time.Minute,
	}
}

type bucket struct {
	capacity    int
	tokens      float64
	refillPerMs float64
	lastRefill  time.Time
	lastAccess  time.Time
}

// Limiter admits or rejects operations per (principal, resource) pair.
// The zero value is not usable; construct with New.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
	now     func() time.Time

	lastSweep time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New constructs a Limiter with the given tier configuration.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 10 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// TryAcquire reports whether one operation on resourceKey by principalID is
// admitted. It never blocks. Buckets are created on first access at full
// capacity, so a cold start favours availability.
func (l *Limiter) TryAcquire(principalID, resourceKey string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeSweepLocked(now)

	key := principalID + "\x00" + resourceKey
	b, ok := l.buckets[key]
	if !ok {
		tier := l.tierFor(resourceKey)
		b = &bucket{
			capacity:    tier.Capacity,
			tokens:      float64(tier.Capacity),
			refillPerMs: tier.RefillPerMs,
			lastRefill:  now,
		}
		l.buckets[key] = b
	}

	elapsedMs := float64(now.Sub(b.lastRefill)) / float64(time.Millisecond)
	if elapsedMs > 0 {
		b.tokens += elapsedMs * b.refillPerMs
		if b.tokens > float64(b.capacity) {
			b.tokens = float64(b.capacity)
		}
	}
	b.lastRefill = now
	b.lastAccess = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Sweep evicts buckets idle longer than the configured window and returns the
// number removed. TryAcquire also sweeps opportunistically, so calling Sweep
// is only needed to bound memory during long quiet periods.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(now)
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) tierFor(resourceKey string) Tier {
	class := resourceKey
	if i := strings.IndexByte(resourceKey, ':'); i >= 0 {
		class = resourceKey[:i]
	}
	if tier, ok := l.cfg.Tiers[class]; ok {
		return tier
	}
	return l.cfg.Default
}

func (l *Limiter) maybeSweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.IdleWindow/2 {
		return
	}
	l.sweepLocked(now)
}

func (l *Limiter) sweepLocked(now time.Time) int {
	cutoff := now.Add(-l.cfg.IdleWindow)
	removed := 0
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	l.lastSweep = now
	return removed
}
