package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/fincore/transact/backoff"

	"go.uber.org/zap"
)

// lockKeyPrefix scopes all actor locks under one keyspace so the janitor can
// find them by pattern.
const lockKeyPrefix = "lock:account:"

var (
	// ErrLockBusy is returned when the lock could not be acquired within the
	// configured number of attempts. It is a contention outcome, safe for the
	// caller to retry, not a hard infrastructure error.
	ErrLockBusy = errors.New("lock busy: too many acquisition attempts")
	// ErrNilLockHandle is returned when a nil lock handle is unlocked.
	ErrNilLockHandle = errors.New("lock handle is nil")
	// ErrLockNotHeld is returned when unlock is called on a lock that was not
	// held or already expired.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
	// ErrEmptyLockKey is returned when an empty lock key is provided.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrNilLockFn is returned when a nil function is passed to WithLock.
	ErrNilLockFn = errors.New("lock function is nil")
)

// LockKey builds the lock key for an actor.
func LockKey(actorID string) string {
	return lockKeyPrefix + actorID
}

// LockOptions configures acquisition behavior.
type LockOptions struct {
	// Expiry is how long the lock is held before auto-expiring. Keeps a
	// crashed holder from blocking the actor forever.
	Expiry time.Duration

	// Tries is the number of acquisition attempts before reporting busy.
	Tries int

	// RetryDelay is the base delay between attempts; the actual delay grows
	// exponentially with jitter.
	RetryDelay time.Duration
}

// DefaultLockOptions returns the acquisition defaults used by the processor.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:     10 * time.Second,
		Tries:      3,
		RetryDelay: 100 * time.Millisecond,
	}
}

// LockHandle represents an acquired distributed lock. It is obtained from
// TryLock and must be released via its Unlock method.
type LockHandle interface {
	// Unlock releases the distributed lock.
	Unlock(ctx context.Context) error
}

// LockManager provides distributed mutual exclusion keyed by actor. The
// interface exists so orchestration tests can substitute a pass-through
// implementation without a Redis instance.
type LockManager interface {
	// WithLock executes fn while holding the lock, releasing it on every exit
	// path including panics.
	WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error

	// WithLockOptions is WithLock with custom acquisition options.
	WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error

	// TryLock attempts a single acquisition without retrying. Returns the
	// handle and true on success, nil and false when the lock is held.
	TryLock(ctx context.Context, lockKey string) (LockHandle, bool, error)
}

// RedisLockManager implements LockManager on redsync. Each acquisition tags
// the key with a random owner value; release is a compare-and-delete against
// that value, so a slow caller cannot free a lock re-acquired by someone
// else after TTL expiry.
type RedisLockManager struct {
	rs     *redsync.Redsync
	logger *zap.Logger
}

var _ LockManager = (*RedisLockManager)(nil)

// NewLockManager creates a distributed lock manager over the cache client.
func NewLockManager(client *Client, logger *zap.Logger) (*RedisLockManager, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisLockManager{
		rs:     redsync.New(goredis.NewPool(client.Redis())),
		logger: logger,
	}, nil
}

// WithLock executes fn while holding the lock with default options.
func (lm *RedisLockManager) WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	return lm.WithLockOptions(ctx, lockKey, DefaultLockOptions(), fn)
}

// WithLockOptions executes fn while holding the lock with custom options.
// Acquisition retries happen here, outside any critical section; fn itself
// is never retried.
func (lm *RedisLockManager) WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error {
	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrEmptyLockKey
	}

	mutex := lm.newMutex(lockKey, opts)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			lm.logger.Debug("lock busy", zap.String("lock_key", lockKey))

			return fmt.Errorf("acquire %s: %w", lockKey, ErrLockBusy)
		}

		return fmt.Errorf("acquire %s: %w", lockKey, err)
	}

	defer func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			lm.logger.Error("failed to release lock",
				zap.String("lock_key", lockKey), zap.Bool("unlock_ok", ok), zap.Error(err))
		}
	}()

	return fn(ctx)
}

// TryLock attempts a single acquisition without retrying.
func (lm *RedisLockManager) TryLock(ctx context.Context, lockKey string) (LockHandle, bool, error) {
	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	opts := DefaultLockOptions()
	opts.Tries = 1

	mutex := lm.newMutex(lockKey, opts)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("try lock %s: %w", lockKey, err)
	}

	return &lockHandle{mutex: mutex, logger: lm.logger}, true, nil
}

func (lm *RedisLockManager) newMutex(lockKey string, opts LockOptions) *redsync.Mutex {
	return lm.rs.NewMutex(
		lockKey,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelayFunc(func(tries int) time.Duration {
			return backoff.DelayWithJitter(opts.RetryDelay, opts.Expiry, tries)
		}),
	)
}

// isContention distinguishes "lock already held" from real failures such as
// network errors or context cancellation.
func isContention(err error) bool {
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return true
	}

	return errors.Is(err, redsync.ErrFailed)
}

// lockHandle wraps a redsync mutex to implement LockHandle.
type lockHandle struct {
	mutex  *redsync.Mutex
	logger *zap.Logger
}

// Unlock releases the distributed lock.
func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		h.logger.Error("failed to release lock", zap.Error(err))

		return fmt.Errorf("unlock: %w", err)
	}

	if !ok {
		h.logger.Warn("lock was not held or already expired")

		return ErrLockNotHeld
	}

	return nil
}
