package shared

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testLocker(t *testing.T) (*EntityLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewEntityLocker(client, 5*time.Second), mr
}

func TestAcquireAndRelease(t *testing.T) {
	locker, _ := testLocker(t)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "applications/42", 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestSameEntityIsSerialised(t *testing.T) {
	locker, _ := testLocker(t)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "applications/42", 100*time.Millisecond)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "applications/42", 80*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, first.Release(ctx))
	second, err := locker.Acquire(ctx, "applications/42", 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestDifferentEntitiesLockIndependently(t *testing.T) {
	locker, _ := testLocker(t)
	ctx := context.Background()

	a, err := locker.Acquire(ctx, "applications/1", 100*time.Millisecond)
	require.NoError(t, err)
	b, err := locker.Acquire(ctx, "applications/2", 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
}

func TestReleaseAfterExpiryReportsNotHeld(t *testing.T) {
	locker, mr := testLocker(t)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "teams/9", 100*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(10 * time.Second)
	require.ErrorIs(t, lock.Release(ctx), ErrLockNotHeld)
}

func TestExpiredLockCannotBeReleasedByNewHolder(t *testing.T) {
	locker, mr := testLocker(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "teams/9", 100*time.Millisecond)
	require.NoError(t, err)
	mr.FastForward(10 * time.Second)

	fresh, err := locker.Acquire(ctx, "teams/9", 100*time.Millisecond)
	require.NoError(t, err)

	require.ErrorIs(t, stale.Release(ctx), ErrLockNotHeld, "stale holder may not free the new lock")
	require.NoError(t, fresh.Release(ctx))
}

func TestContendedAcquireEventuallySucceeds(t *testing.T) {
	locker, _ := testLocker(t)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "envs/1", time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		_ = lock.Release(ctx)
	}()

	second, err := locker.Acquire(ctx, "envs/1", time.Second)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
	wg.Wait()
}
