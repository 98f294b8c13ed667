//go:build unit

package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLockManager(t *testing.T) (*RedisLockManager, *Client) {
	t.Helper()

	client, _ := setupTestCache(t)

	lm, err := NewLockManager(client, nil)
	require.NoError(t, err)

	return lm, client
}

func TestWithLockExecutesFunction(t *testing.T) {
	lm, _ := setupTestLockManager(t)
	ctx := context.Background()

	executed := false

	err := lm.WithLock(ctx, LockKey("acc-1"), func(context.Context) error {
		executed = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, executed)
}

func TestWithLockPropagatesError(t *testing.T) {
	lm, _ := setupTestLockManager(t)
	ctx := context.Background()

	err := lm.WithLock(ctx, LockKey("acc-1"), func(context.Context) error {
		return assert.AnError
	})

	require.ErrorIs(t, err, assert.AnError)
}

func TestWithLockReleasesOnEveryExitPath(t *testing.T) {
	lm, client := setupTestLockManager(t)
	ctx := context.Background()
	key := LockKey("acc-1")

	// Error exit path.
	_ = lm.WithLock(ctx, key, func(context.Context) error { return assert.AnError })

	_, found, err := client.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "lock must be released after an error exit")

	// Panic exit path.
	assert.Panics(t, func() {
		_ = lm.WithLock(ctx, key, func(context.Context) error { panic("boom") })
	})

	_, found, err = client.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "lock must be released after a panic exit")
}

func TestWithLockSerializesSameKey(t *testing.T) {
	lm, _ := setupTestLockManager(t)
	ctx := context.Background()

	var (
		inCritical atomic.Int32
		overlap    atomic.Bool
		wg         sync.WaitGroup
	)

	opts := LockOptions{Expiry: 5 * time.Second, Tries: 50, RetryDelay: 5 * time.Millisecond}

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := lm.WithLockOptions(ctx, LockKey("acc-1"), opts, func(context.Context) error {
				if inCritical.Add(1) > 1 {
					overlap.Store(true)
				}
				defer inCritical.Add(-1)

				time.Sleep(10 * time.Millisecond)

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.False(t, overlap.Load(), "critical sections for the same key must not overlap")
}

func TestTryLockContention(t *testing.T) {
	lm, _ := setupTestLockManager(t)
	ctx := context.Background()
	key := LockKey("acc-1")

	handle, acquired, err := lm.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = lm.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, acquired, "second acquisition must report busy, not error")

	require.NoError(t, handle.Unlock(ctx))

	handle2, acquired, err := lm.TryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, acquired, "lock must be acquirable after release")
	require.NoError(t, handle2.Unlock(ctx))
}

func TestWithLockExhaustedTriesReportsBusy(t *testing.T) {
	lm, _ := setupTestLockManager(t)
	ctx := context.Background()
	key := LockKey("acc-1")

	handle, acquired, err := lm.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)
	defer func() { _ = handle.Unlock(ctx) }()

	opts := LockOptions{Expiry: 5 * time.Second, Tries: 2, RetryDelay: time.Millisecond}

	err = lm.WithLockOptions(ctx, key, opts, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrLockBusy)
}

func TestUnlockWithWrongOwnerCannotRelease(t *testing.T) {
	lm, client := setupTestLockManager(t)
	ctx := context.Background()
	key := LockKey("acc-1")

	handleA, acquired, err := lm.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)

	// Owner B presents its own token against A's lock: the compare-and-delete
	// guard must refuse and the lock must remain held.
	deleted, err := client.CompareAndDelete(ctx, key, "owner-b-token")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, acquired, err = lm.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, acquired, "lock must still be held by A")

	require.NoError(t, handleA.Unlock(ctx))
}

func TestUnlockAfterExpiryReportsNotHeld(t *testing.T) {
	lm, client := setupTestLockManager(t)
	ctx := context.Background()
	key := LockKey("acc-1")

	handle, acquired, err := lm.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)

	// Simulate TTL expiry followed by re-acquisition by another holder.
	require.NoError(t, client.Delete(ctx, key))
	require.NoError(t, client.Set(ctx, key, "another-owner", time.Minute))

	err = handle.Unlock(ctx)
	require.Error(t, err)

	value, found, err := client.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found, "the new holder's lock must survive the stale release")
	assert.Equal(t, "another-owner", value)
}

func TestLockValidation(t *testing.T) {
	lm, _ := setupTestLockManager(t)
	ctx := context.Background()

	err := lm.WithLock(ctx, "  ", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrEmptyLockKey)

	err = lm.WithLock(ctx, LockKey("acc-1"), nil)
	require.ErrorIs(t, err, ErrNilLockFn)

	_, _, err = lm.TryLock(ctx, "")
	require.ErrorIs(t, err, ErrEmptyLockKey)
}
