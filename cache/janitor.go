package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultJanitorFactor is the multiple of the lock TTL past which an
// observed lock is considered leaked.
const DefaultJanitorFactor = 5

// ErrInvalidJanitorConfig indicates the janitor configuration is invalid.
var ErrInvalidJanitorConfig = errors.New("invalid janitor config")

// ErrJanitorStarted indicates Start was called twice.
var ErrJanitorStarted = errors.New("lock janitor already started")

// JanitorConfig configures the leaked-lock sweep.
type JanitorConfig struct {
	// Interval is how often the janitor scans the lock keyspace.
	Interval time.Duration

	// LockTTL is the expiry the lock manager applies on acquisition. Keys
	// observed with a remaining TTL beyond this value were written by
	// something other than the lock manager and are treated as leaked.
	LockTTL time.Duration

	// Factor scales LockTTL to the leak threshold. Defaults to
	// DefaultJanitorFactor.
	Factor int

	Logger *zap.Logger
}

func (cfg *JanitorConfig) normalize() error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	if cfg.LockTTL <= 0 {
		return fmt.Errorf("%w: lock TTL must be positive", ErrInvalidJanitorConfig)
	}

	if cfg.Factor <= 0 {
		cfg.Factor = DefaultJanitorFactor
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return nil
}

// Janitor periodically scans the lock keyspace and force-clears locks leaked
// by crashed holders. Healthy locks self-expire via their TTL; the janitor
// only removes keys that cannot expire on their own (no TTL at all) or whose
// TTL exceeds a generous multiple of the configured lock expiry.
type Janitor struct {
	client *Client
	cfg    JanitorConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a janitor over the cache client.
func NewJanitor(client *Client, cfg JanitorConfig) (*Janitor, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &Janitor{client: client, cfg: cfg}, nil
}

// Start launches the background sweep loop. Stop or context cancellation
// ends it. Calling Start on a running janitor returns ErrJanitorStarted.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel != nil {
		return ErrJanitorStarted
	}

	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})

	go func() {
		defer close(j.done)

		ticker := time.NewTicker(j.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if cleared, err := j.Sweep(ctx); err != nil {
					j.cfg.Logger.Warn("lock janitor sweep failed", zap.Error(err))
				} else if cleared > 0 {
					j.cfg.Logger.Info("lock janitor cleared leaked locks", zap.Int("count", cleared))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop ends the background loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel = nil
	j.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

// Sweep performs one scan, returning the number of locks force-cleared.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	keys, err := j.client.ScanKeys(ctx, lockKeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("janitor scan: %w", err)
	}

	threshold := j.cfg.LockTTL * time.Duration(j.cfg.Factor)
	cleared := 0

	for _, key := range keys {
		ttl, err := j.client.PTTL(ctx, key)
		if err != nil {
			return cleared, fmt.Errorf("janitor ttl check: %w", err)
		}

		// The key expired between scan and check.
		if ttl == PTTLMissing {
			continue
		}

		leaked := ttl == PTTLNoExpiry || ttl > threshold
		if !leaked {
			continue
		}

		if err := j.client.Delete(ctx, key); err != nil {
			return cleared, fmt.Errorf("janitor clear %q: %w", key, err)
		}

		j.cfg.Logger.Warn("force-cleared leaked lock",
			zap.String("lock_key", key), zap.Duration("observed_ttl", ttl))

		cleared++
	}

	return cleared, nil
}
