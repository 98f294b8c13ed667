package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrNilClient is returned when a method is called on a nil Client.
	ErrNilClient = errors.New("cache client is nil")
	// ErrInvalidConfig indicates the provided cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache config")
)

// Config defines connection settings for the key-value cache.
type Config struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	Logger       *zap.Logger
}

func (cfg *Config) normalize() error {
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}

	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}

	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return nil
}

// incrWithTTL increments a counter and applies the TTL only when the key is
// created by this call, so the expiry stays aligned to the first hit of the
// window regardless of how many increments follow.
var incrWithTTL = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v == tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// compareAndDelete deletes the key only when its stored value matches the
// caller's expected value.
var compareAndDelete = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Client wraps a redis client with the typed operations the core needs.
type Client struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// New validates config, connects, and returns a ready cache client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		DialTimeout:  cfg.DialTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		cfg.Logger.Error("cache ping failed", zap.Error(err))

		return nil, fmt.Errorf("cache connect: ping: %w", err)
	}

	cfg.Logger.Info("connected to cache", zap.String("address", cfg.Address))

	return &Client{rdb: rdb, logger: cfg.Logger}, nil
}

// NewFromRedis wraps an existing redis client. Used by tests and by callers
// that manage the connection themselves.
func NewFromRedis(rdb redis.UniversalClient, logger *zap.Logger) (*Client, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{rdb: rdb, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	return c.rdb.Close()
}

// Redis exposes the underlying client for components that need it directly,
// such as the lock manager's redsync pool.
func (c *Client) Redis() redis.UniversalClient {
	if c == nil {
		return nil
	}

	return c.rdb
}

// Get returns the value for key and whether it exists. A missing key is not
// an error.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	if c == nil {
		return "", false, ErrNilClient
	}

	value, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("cache get %q: %w", key, err)
	}

	return value, true, nil
}

// Set stores a value with the given TTL. A zero TTL stores without expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c == nil {
		return ErrNilClient
	}

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}

	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if c == nil {
		return ErrNilClient
	}

	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}

	return nil
}

// SetIfAbsent stores a value with TTL only when the key does not exist.
// Returns true when this call created the key.
func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if c == nil {
		return false, ErrNilClient
	}

	created, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache set-if-absent %q: %w", key, err)
	}

	return created, nil
}

// CompareAndDelete removes the key only when its stored value equals
// expected. Returns true when the key was deleted. This is the stale-release
// guard primitive: a holder presenting the wrong owner value cannot free a
// lock re-acquired by someone else.
func (c *Client) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if c == nil {
		return false, ErrNilClient
	}

	deleted, err := compareAndDelete.Run(ctx, c.rdb, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("cache compare-and-delete %q: %w", key, err)
	}

	return deleted == 1, nil
}

// IncrementWithTTL atomically increments a counter, applying the TTL when
// the key is created. Returns the counter value after the increment.
func (c *Client) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return c.IncrementByWithTTL(ctx, key, 1, ttl)
}

// IncrementByWithTTL atomically adds delta to a counter, applying the TTL
// when the key is created. Returns the counter value after the increment.
func (c *Client) IncrementByWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if c == nil {
		return 0, ErrNilClient
	}

	value, err := incrWithTTL.Run(ctx, c.rdb, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache increment %q: %w", key, err)
	}

	return value, nil
}

// ScanKeys returns all keys matching the pattern. Intended for low-volume
// maintenance scans such as the lock janitor, not hot paths.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	var (
		keys   []string
		cursor uint64
	)

	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("cache scan %q: %w", pattern, err)
		}

		keys = append(keys, batch...)

		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// PTTL sentinel values, as surfaced by the redis client: the server replies
// -1 for a key without expiry and -2 for a missing key, and the client hands
// those integers back as raw durations without unit conversion.
const (
	PTTLNoExpiry = time.Duration(-1)
	PTTLMissing  = time.Duration(-2)
)

// PTTL returns the remaining time-to-live for a key. A key without expiry
// returns PTTLNoExpiry; a missing key returns PTTLMissing.
func (c *Client) PTTL(ctx context.Context, key string) (time.Duration, error) {
	if c == nil {
		return 0, ErrNilClient
	}

	ttl, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache pttl %q: %w", key, err)
	}

	return ttl, nil
}
