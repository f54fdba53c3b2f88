package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Tiers: map[string]Tier{
			"update": {Capacity: 10, RefillPerMs: 0.01}, // 1 token / 100ms
		},
		Default:    Tier{Capacity: 5, RefillPerMs: 0.01},
		IdleWindow: 10 * time.Minute,
	}
}

func TestTryAcquireBurstThenRefill(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(testConfig(), WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		require.True(t, l.TryAcquire("p1", "update:applications"), "call %d within capacity", i+1)
	}
	require.False(t, l.TryAcquire("p1", "update:applications"), "11th call must be rejected")

	now = now.Add(100 * time.Millisecond)
	require.True(t, l.TryAcquire("p1", "update:applications"), "one token refilled after 100ms")
}

func TestBucketsAreIndependentPerPrincipalAndResource(t *testing.T) {
	now := time.Now()
	l := New(Config{Default: Tier{Capacity: 1, RefillPerMs: 0}, IdleWindow: time.Minute},
		WithClock(func() time.Time { return now }))

	require.True(t, l.TryAcquire("p1", "create:teams"))
	require.False(t, l.TryAcquire("p1", "create:teams"))
	require.True(t, l.TryAcquire("p2", "create:teams"), "other principal has its own bucket")
	require.True(t, l.TryAcquire("p1", "delete:teams"), "other resource has its own bucket")
}

func TestTokensNeverExceedCapacity(t *testing.T) {
	now := time.Now()
	l := New(testConfig(), WithClock(func() time.Time { return now }))

	require.True(t, l.TryAcquire("p1", "update:x"))
	// A long idle period must not accumulate more than capacity.
	now = now.Add(time.Hour)
	for i := 0; i < 10; i++ {
		require.True(t, l.TryAcquire("p1", "update:x"))
	}
	require.False(t, l.TryAcquire("p1", "update:x"))
}

func TestTokensNeverGoNegative(t *testing.T) {
	now := time.Now()
	l := New(Config{Default: Tier{Capacity: 3, RefillPerMs: 0}, IdleWindow: time.Minute},
		WithClock(func() time.Time { return now }))

	admitted := 0
	for i := 0; i < 50; i++ {
		if l.TryAcquire("p1", "read:x") {
			admitted++
		}
	}
	require.Equal(t, 3, admitted)
}

func TestUnknownClassFallsBackToDefaultTier(t *testing.T) {
	now := time.Now()
	l := New(Config{Default: Tier{Capacity: 2, RefillPerMs: 0}, IdleWindow: time.Minute},
		WithClock(func() time.Time { return now }))

	require.True(t, l.TryAcquire("p1", "reindex:catalog"))
	require.True(t, l.TryAcquire("p1", "reindex:catalog"))
	require.False(t, l.TryAcquire("p1", "reindex:catalog"))
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	now := time.Now()
	l := New(Config{Default: Tier{Capacity: 5, RefillPerMs: 0.01}, IdleWindow: time.Minute},
		WithClock(func() time.Time { return now }))

	l.TryAcquire("p1", "read:a")
	l.TryAcquire("p2", "read:a")
	require.Equal(t, 2, l.Len())

	now = now.Add(30 * time.Second)
	l.TryAcquire("p2", "read:a")

	now = now.Add(45 * time.Second)
	removed := l.Sweep()
	require.Equal(t, 1, removed, "only p1's bucket is past the idle window")
	require.Equal(t, 1, l.Len())
}

func TestConcurrentTryAcquireAdmitsExactlyCapacity(t *testing.T) {
	now := time.Now()
	l := New(Config{Default: Tier{Capacity: 64, RefillPerMs: 0}, IdleWindow: time.Minute},
		WithClock(func() time.Time { return now }))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 32; i++ {
				if l.TryAcquire("p1", "read:shared") {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 64, admitted, "no lost updates under concurrent access")
}

func TestColdStartFavoursAvailability(t *testing.T) {
	l := New(testConfig())
	for p := 0; p < 20; p++ {
		require.True(t, l.TryAcquire(fmt.Sprintf("principal-%d", p), "update:envs"),
			"first call for a fresh principal is always admitted")
	}
}
