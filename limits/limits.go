package limits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fincore/transact/cache"
	"github.com/fincore/transact/store"
	"github.com/fincore/transact/transaction"
)

var (
	// ErrNilCache indicates the validator was built without a cache client.
	ErrNilCache = errors.New("limits: cache client is nil")

	// ErrNilAccounts indicates the validator was built without an account source.
	ErrNilAccounts = errors.New("limits: account source is nil")

	// ErrNilHistory indicates the validator was built without a history source.
	ErrNilHistory = errors.New("limits: history source is nil")
)

const (
	dailyKeyPrefix    = "limits:daily:"
	monthlyKeyPrefix  = "limits:monthly:"
	minuteKeyPrefix   = "limits:count:minute:"
	dayCountKeyPrefix = "limits:count:day:"
	overrideKeyPrefix = "limits:override:"
)

// AccountSource resolves the current status of an actor's account.
type AccountSource interface {
	Get(ctx context.Context, id string) (store.Account, error)
}

// HistorySource recomputes rolling totals from authoritative history when the
// cached counter is missing.
type HistorySource interface {
	SumOutgoingSince(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error)
}

// Config tunes the validator's ceilings and rate limits. All monetary
// comparisons are exclusive-above: an amount equal to the ceiling passes.
type Config struct {
	PerTransactionCeiling decimal.Decimal
	DailyTotalLimit       decimal.Decimal
	MonthlyTotalLimit     decimal.Decimal

	PerMinuteMaxOps int64
	PerDayMaxOps    int64

	Logger *zap.Logger
}

func (cfg *Config) normalize() {
	if cfg.PerTransactionCeiling.IsZero() {
		cfg.PerTransactionCeiling = decimal.NewFromInt(1_000_000)
	}

	if cfg.DailyTotalLimit.IsZero() {
		cfg.DailyTotalLimit = decimal.NewFromInt(2_000_000)
	}

	if cfg.MonthlyTotalLimit.IsZero() {
		cfg.MonthlyTotalLimit = decimal.NewFromInt(20_000_000)
	}

	if cfg.PerMinuteMaxOps == 0 {
		cfg.PerMinuteMaxOps = 10
	}

	if cfg.PerDayMaxOps == 0 {
		cfg.PerDayMaxOps = 500
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// Override is a time-boxed limit exception raising the ceiling for one actor.
type Override struct {
	Ceiling decimal.Decimal `json:"ceiling"`
	Until   time.Time       `json:"until"`
}

// Validator approves or rejects an operation against the actor's limits.
// Rejections are returned as transaction.DomainError values; anything else
// is an infrastructure error.
type Validator struct {
	cfg      Config
	cache    *cache.Client
	accounts AccountSource
	history  HistorySource
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger

	now func() time.Time
}

// NewValidator builds a validator over the given cache, account, and history
// sources.
func NewValidator(cfg Config, c *cache.Client, accounts AccountSource, history HistorySource) (*Validator, error) {
	if c == nil {
		return nil, ErrNilCache
	}

	if accounts == nil {
		return nil, ErrNilAccounts
	}

	if history == nil {
		return nil, ErrNilHistory
	}

	cfg.normalize()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "limits-history",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &Validator{
		cfg:      cfg,
		cache:    c,
		accounts: accounts,
		history:  history,
		breaker:  breaker,
		logger:   cfg.Logger,
		now:      time.Now,
	}, nil
}

// Check validates an operation for the actor. Checks run in order and stop at
// the first failure: account status, ceiling (or an active override), daily
// total, monthly total, then per-minute and per-day operation counts.
func (v *Validator) Check(ctx context.Context, actorID string, amount decimal.Decimal, typ transaction.Type) error {
	account, err := v.accounts.Get(ctx, actorID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return transaction.NewDomainError(transaction.ErrorAccountIneligibility, "actorId",
				fmt.Sprintf("account %s does not exist", actorID))
		}

		return fmt.Errorf("limits: account lookup: %w", err)
	}

	if !account.Active() {
		return transaction.NewDomainError(transaction.ErrorAccountStatusRestriction, "actorId",
			fmt.Sprintf("account %s is %s", actorID, account.Status))
	}

	override, overrideActive, err := v.activeOverride(ctx, actorID)
	if err != nil {
		return v.failClosed(actorID, "override lookup", err)
	}

	if overrideActive {
		if amount.GreaterThan(override.Ceiling) {
			return transaction.NewDomainError(transaction.ErrorLimitExceeded, "amount",
				fmt.Sprintf("amount %s exceeds exception ceiling %s", amount, override.Ceiling))
		}

		v.logger.Debug("limit exception applied",
			zap.String("actor_id", actorID),
			zap.String("ceiling", override.Ceiling.String()),
		)
	} else {
		if amount.GreaterThan(v.cfg.PerTransactionCeiling) {
			return transaction.NewDomainError(transaction.ErrorLimitExceeded, "amount",
				fmt.Sprintf("amount %s exceeds single-operation ceiling %s", amount, v.cfg.PerTransactionCeiling))
		}

		if err := v.checkRollingTotal(ctx, actorID, amount, dailyWindow(v.now()), v.cfg.DailyTotalLimit, "daily"); err != nil {
			return err
		}

		if err := v.checkRollingTotal(ctx, actorID, amount, monthlyWindow(v.now()), v.cfg.MonthlyTotalLimit, "monthly"); err != nil {
			return err
		}
	}

	if err := v.checkFrequency(ctx, actorID, typ); err != nil {
		return err
	}

	return nil
}

// RecordUsage adds a completed operation's amount to the actor's rolling
// totals. Counters that are not in the cache are left absent; the next Check
// recomputes them from history.
func (v *Validator) RecordUsage(ctx context.Context, actorID string, amount decimal.Decimal) error {
	minor := toMinorUnits(amount)
	now := v.now()

	for _, w := range []rollingWindow{dailyWindow(now), monthlyWindow(now)} {
		key := w.key(actorID)

		_, exists, err := v.cache.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("limits: record usage %q: %w", key, err)
		}

		if !exists {
			continue
		}

		if _, err := v.cache.IncrementByWithTTL(ctx, key, minor, w.ttl(now)); err != nil {
			return fmt.Errorf("limits: record usage %q: %w", key, err)
		}
	}

	return nil
}

// SetException installs a time-boxed ceiling override for the actor. It
// expires from the cache at the given deadline.
func (v *Validator) SetException(ctx context.Context, actorID string, ceiling decimal.Decimal, until time.Time) error {
	if !ceiling.IsPositive() {
		return transaction.NewDomainError(transaction.ErrorInvalidInput, "ceiling", "exception ceiling must be positive")
	}

	ttl := until.Sub(v.now())
	if ttl <= 0 {
		return transaction.NewDomainError(transaction.ErrorInvalidInput, "until", "exception deadline is in the past")
	}

	payload, err := json.Marshal(Override{Ceiling: ceiling, Until: until})
	if err != nil {
		return fmt.Errorf("limits: marshal override: %w", err)
	}

	if err := v.cache.Set(ctx, overrideKeyPrefix+actorID, string(payload), ttl); err != nil {
		return fmt.Errorf("limits: set override: %w", err)
	}

	v.logger.Info("limit exception installed",
		zap.String("actor_id", actorID),
		zap.String("ceiling", ceiling.String()),
		zap.Time("until", until),
	)

	return nil
}

func (v *Validator) activeOverride(ctx context.Context, actorID string) (Override, bool, error) {
	raw, exists, err := v.cache.Get(ctx, overrideKeyPrefix+actorID)
	if err != nil || !exists {
		return Override{}, false, err
	}

	var override Override
	if err := json.Unmarshal([]byte(raw), &override); err != nil {
		return Override{}, false, fmt.Errorf("corrupt override for %q: %w", actorID, err)
	}

	// The cache TTL normally expires the entry, but the deadline wins if the
	// entry somehow outlives it.
	if !v.now().Before(override.Until) {
		return Override{}, false, nil
	}

	return override, true, nil
}

func (v *Validator) checkRollingTotal(ctx context.Context, actorID string, amount decimal.Decimal, w rollingWindow, limit decimal.Decimal, label string) error {
	used, err := v.rollingTotal(ctx, actorID, w)
	if err != nil {
		return v.failClosed(actorID, label+" total", err)
	}

	if used.Add(amount).GreaterThan(limit) {
		return transaction.NewDomainError(transaction.ErrorLimitExceeded, "amount",
			fmt.Sprintf("amount %s exceeds remaining %s limit (%s of %s used)", amount, label, used, limit))
	}

	return nil
}

// rollingTotal reads the cached counter for the window, recomputing it from
// history on a miss. The recompute runs behind the circuit breaker so a
// struggling history store does not stall every validation.
func (v *Validator) rollingTotal(ctx context.Context, actorID string, w rollingWindow) (decimal.Decimal, error) {
	key := w.key(actorID)

	raw, exists, err := v.cache.Get(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}

	if exists {
		minor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt counter %q: %w", key, err)
		}

		return fromMinorUnits(minor), nil
	}

	result, err := v.breaker.Execute(func() (any, error) {
		return v.history.SumOutgoingSince(ctx, actorID, w.start)
	})
	if err != nil {
		return decimal.Zero, err
	}

	total := result.(decimal.Decimal)

	if err := v.cache.Set(ctx, key, strconv.FormatInt(toMinorUnits(total), 10), w.ttl(v.now())); err != nil {
		return decimal.Zero, err
	}

	return total, nil
}

func (v *Validator) checkFrequency(ctx context.Context, actorID string, typ transaction.Type) error {
	now := v.now()

	minuteKey := minuteKeyPrefix + actorID + ":" + now.UTC().Format("200601021504")

	count, err := v.cache.IncrementWithTTL(ctx, minuteKey, endOfMinute(now).Sub(now))
	if err != nil {
		return v.failClosed(actorID, "per-minute counter", err)
	}

	if count > v.cfg.PerMinuteMaxOps {
		return transaction.NewDomainError(transaction.ErrorFrequencyExceeded, "actorId",
			fmt.Sprintf("per-minute operation limit %d reached for %s", v.cfg.PerMinuteMaxOps, typ))
	}

	dayKey := dayCountKeyPrefix + actorID + ":" + now.UTC().Format("20060102")

	count, err = v.cache.IncrementWithTTL(ctx, dayKey, endOfDay(now).Sub(now))
	if err != nil {
		return v.failClosed(actorID, "per-day counter", err)
	}

	if count > v.cfg.PerDayMaxOps {
		return transaction.NewDomainError(transaction.ErrorFrequencyExceeded, "actorId",
			fmt.Sprintf("per-day operation limit %d reached for %s", v.cfg.PerDayMaxOps, typ))
	}

	return nil
}

// failClosed converts an infrastructure failure during limit checking into a
// rejection. Allowing unlimited throughput while the backing stores are down
// is never acceptable.
func (v *Validator) failClosed(actorID, stage string, err error) error {
	v.logger.Warn("limit check unavailable, rejecting",
		zap.String("actor_id", actorID),
		zap.String("stage", stage),
		zap.Error(err),
	)

	return transaction.NewDomainError(transaction.ErrorLimitCheckUnavailable, "actorId",
		"limit enforcement is temporarily unavailable")
}

type rollingWindow struct {
	prefix string
	label  string
	start  time.Time
	end    time.Time
}

func (w rollingWindow) key(actorID string) string {
	return w.prefix + actorID + ":" + w.label
}

func (w rollingWindow) ttl(now time.Time) time.Duration {
	return w.end.Sub(now)
}

func dailyWindow(now time.Time) rollingWindow {
	utc := now.UTC()

	return rollingWindow{
		prefix: dailyKeyPrefix,
		label:  utc.Format("20060102"),
		start:  startOfDay(utc),
		end:    endOfDay(utc),
	}
}

func monthlyWindow(now time.Time) rollingWindow {
	utc := now.UTC()

	return rollingWindow{
		prefix: monthlyKeyPrefix,
		label:  utc.Format("200601"),
		start:  startOfMonth(utc),
		end:    endOfMonth(utc),
	}
}

func startOfDay(t time.Time) time.Time {
	utc := t.UTC()

	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1)
}

func startOfMonth(t time.Time) time.Time {
	utc := t.UTC()

	return time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func endOfMonth(t time.Time) time.Time {
	return startOfMonth(t).AddDate(0, 1, 0)
}

func endOfMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute).Add(time.Minute)
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).IntPart()
}

func fromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
