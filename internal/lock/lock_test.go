package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricoschulte/opentalk-controller/internal/kvtest"
	"github.com/ricoschulte/opentalk-controller/internal/lock"
)

func TestAcquire_ExclusiveUntilReleased(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()

	l1, err := lock.Acquire(ctx, store, "room:1:lock", time.Second)
	require.NoError(t, err)

	acquireCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = lock.Acquire(acquireCtx, store, "room:1:lock", time.Second)
	assert.ErrorIs(t, err, lock.ErrAcquireTimeout)

	require.NoError(t, l1.Release(ctx))

	l2, err := lock.Acquire(ctx, store, "room:1:lock", time.Second)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}

func TestRelease_OnlyByOwningNonce(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()

	l1, err := lock.Acquire(ctx, store, "room:1:lock", 50*time.Millisecond)
	require.NoError(t, err)

	// Simulate l1's lease expiring and another holder acquiring it.
	time.Sleep(60 * time.Millisecond)
	l2, err := lock.Acquire(ctx, store, "room:1:lock", time.Second)
	require.NoError(t, err)

	// l1's stale Release must not delete l2's lock.
	require.NoError(t, l1.Release(ctx))

	acquireCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = lock.Acquire(acquireCtx, store, "room:1:lock", time.Second)
	assert.ErrorIs(t, err, lock.ErrAcquireTimeout, "l2 should still hold the lock")

	require.NoError(t, l2.Release(ctx))
}

func TestExtend_FailsAfterStolen(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()

	l1, err := lock.Acquire(ctx, store, "room:1:lock", 30*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	_, err = lock.Acquire(ctx, store, "room:1:lock", time.Second)
	require.NoError(t, err)

	err = l1.Extend(ctx)
	assert.ErrorIs(t, err, lock.ErrNotHeld)
}

func TestWithLock_ReleasesAfterFn(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()

	called := false
	err := lock.WithLock(ctx, store, "room:2:lock", time.Second, func(ctx context.Context, l *lock.Lease) error {
		called = true
		assert.False(t, l.Expired())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	// Lock must be free again.
	l, err := lock.Acquire(ctx, store, "room:2:lock", time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
}
