//go:build unit

package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fincore/transact/cache"
	"github.com/fincore/transact/store"
	"github.com/fincore/transact/transaction"
)

func newTestValidator(t *testing.T, cfg Config) (*Validator, *miniredis.Miniredis, *store.MemoryStore) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := cache.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	require.NoError(t, err)

	mem := store.NewMemoryStore()
	mem.PutAccount(store.Account{ID: "acc-1", Balance: decimal.NewFromInt(1_000_000), Status: store.AccountActive})

	v, err := NewValidator(cfg, client, mem, mem)
	require.NoError(t, err)

	return v, mr, mem
}

func domainCode(t *testing.T, err error) transaction.ErrorCode {
	t.Helper()

	var domainErr transaction.DomainError
	require.ErrorAs(t, err, &domainErr)

	return domainErr.Code
}

func completedTransfer(t *testing.T, mem *store.MemoryStore, source, amount string, at time.Time) {
	t.Helper()

	tx, err := transaction.New(transaction.TypeTransfer, source, "acc-other", decimal.RequireFromString(amount), "")
	require.NoError(t, err)

	tx.CreatedAt = at
	require.NoError(t, mem.Create(context.Background(), tx))
	require.NoError(t, mem.UpdateStatus(context.Background(), tx.ID, transaction.StatusCompleted, ""))
}

func TestValidatorCeiling(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestValidator(t, Config{})
	ctx := context.Background()

	err := v.Check(ctx, "acc-1", decimal.RequireFromString("2000.00"), transaction.TypeTransfer)
	assert.NoError(t, err)

	err = v.Check(ctx, "acc-1", decimal.RequireFromString("1500000.00"), transaction.TypeTransfer)
	assert.Equal(t, transaction.ErrorLimitExceeded, domainCode(t, err))
}

func TestValidatorAccountStatus(t *testing.T) {
	t.Parallel()

	v, _, mem := newTestValidator(t, Config{})
	ctx := context.Background()
	amount := decimal.RequireFromString("10.00")

	mem.PutAccount(store.Account{ID: "frozen-1", Status: store.AccountFrozen})

	err := v.Check(ctx, "frozen-1", amount, transaction.TypeWithdrawal)
	assert.Equal(t, transaction.ErrorAccountStatusRestriction, domainCode(t, err))

	err = v.Check(ctx, "missing-1", amount, transaction.TypeWithdrawal)
	assert.Equal(t, transaction.ErrorAccountIneligibility, domainCode(t, err))
}

func TestValidatorDailyTotalFromHistory(t *testing.T) {
	t.Parallel()

	v, mr, mem := newTestValidator(t, Config{
		DailyTotalLimit: decimal.NewFromInt(500),
	})
	ctx := context.Background()
	now := v.now()

	completedTransfer(t, mem, "acc-1", "400.00", now)
	// Outside today's window, must not count.
	completedTransfer(t, mem, "acc-1", "5000.00", now.AddDate(0, 0, -2))

	err := v.Check(ctx, "acc-1", decimal.RequireFromString("200.00"), transaction.TypeTransfer)
	assert.Equal(t, transaction.ErrorLimitExceeded, domainCode(t, err))

	err = v.Check(ctx, "acc-1", decimal.RequireFromString("50.00"), transaction.TypeTransfer)
	assert.NoError(t, err)

	// The recomputed total is now cached in minor units.
	raw, mrErr := mr.Get(dailyWindow(now).key("acc-1"))
	require.NoError(t, mrErr)
	assert.Equal(t, "40000", raw)
}

func TestValidatorRecordUsage(t *testing.T) {
	t.Parallel()

	v, mr, _ := newTestValidator(t, Config{
		DailyTotalLimit: decimal.NewFromInt(500),
	})
	ctx := context.Background()
	now := v.now()

	// Prime both counters via a passing check, then record a completion.
	require.NoError(t, v.Check(ctx, "acc-1", decimal.RequireFromString("100.00"), transaction.TypeTransfer))
	require.NoError(t, v.RecordUsage(ctx, "acc-1", decimal.RequireFromString("450.00")))

	raw, err := mr.Get(dailyWindow(now).key("acc-1"))
	require.NoError(t, err)
	assert.Equal(t, "45000", raw)

	// 450.00 used of 500: another 100.00 must now be rejected.
	err = v.Check(ctx, "acc-1", decimal.RequireFromString("100.00"), transaction.TypeTransfer)
	assert.Equal(t, transaction.ErrorLimitExceeded, domainCode(t, err))
}

func TestValidatorRecordUsageSkipsColdCounters(t *testing.T) {
	t.Parallel()

	v, mr, _ := newTestValidator(t, Config{})
	ctx := context.Background()

	require.NoError(t, v.RecordUsage(ctx, "acc-1", decimal.RequireFromString("10.00")))

	assert.False(t, mr.Exists(dailyWindow(v.now()).key("acc-1")))
}

func TestValidatorException(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestValidator(t, Config{})
	ctx := context.Background()

	until := v.now().Add(time.Hour)
	require.NoError(t, v.SetException(ctx, "acc-1", decimal.NewFromInt(5_000_000), until))

	// Above the standard ceiling but within the exception.
	err := v.Check(ctx, "acc-1", decimal.RequireFromString("3000000.00"), transaction.TypeTransfer)
	assert.NoError(t, err)

	// Above even the raised ceiling.
	err = v.Check(ctx, "acc-1", decimal.RequireFromString("6000000.00"), transaction.TypeTransfer)
	assert.Equal(t, transaction.ErrorLimitExceeded, domainCode(t, err))
}

func TestValidatorExceptionValidation(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestValidator(t, Config{})
	ctx := context.Background()

	err := v.SetException(ctx, "acc-1", decimal.Zero, v.now().Add(time.Hour))
	assert.Equal(t, transaction.ErrorInvalidInput, domainCode(t, err))

	err = v.SetException(ctx, "acc-1", decimal.NewFromInt(10), v.now().Add(-time.Hour))
	assert.Equal(t, transaction.ErrorInvalidInput, domainCode(t, err))
}

func TestValidatorFrequency(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestValidator(t, Config{PerMinuteMaxOps: 2})
	ctx := context.Background()
	amount := decimal.RequireFromString("1.00")

	require.NoError(t, v.Check(ctx, "acc-1", amount, transaction.TypeDeposit))
	require.NoError(t, v.Check(ctx, "acc-1", amount, transaction.TypeDeposit))

	err := v.Check(ctx, "acc-1", amount, transaction.TypeDeposit)
	assert.Equal(t, transaction.ErrorFrequencyExceeded, domainCode(t, err))
}

func TestValidatorFrequencyWindowReset(t *testing.T) {
	t.Parallel()

	v, mr, _ := newTestValidator(t, Config{PerMinuteMaxOps: 1})
	ctx := context.Background()
	amount := decimal.RequireFromString("1.00")

	require.NoError(t, v.Check(ctx, "acc-1", amount, transaction.TypeDeposit))

	err := v.Check(ctx, "acc-1", amount, transaction.TypeDeposit)
	assert.Equal(t, transaction.ErrorFrequencyExceeded, domainCode(t, err))

	// Advance past the minute boundary so the counter expires.
	mr.FastForward(2 * time.Minute)
	v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	assert.NoError(t, v.Check(ctx, "acc-1", amount, transaction.TypeDeposit))
}

func TestValidatorFailsClosed(t *testing.T) {
	t.Parallel()

	v, mr, _ := newTestValidator(t, Config{})
	ctx := context.Background()

	mr.Close()

	err := v.Check(ctx, "acc-1", decimal.RequireFromString("10.00"), transaction.TypeTransfer)
	assert.Equal(t, transaction.ErrorLimitCheckUnavailable, domainCode(t, err))
}

func TestValidatorConstructorGuards(t *testing.T) {
	t.Parallel()

	mem := store.NewMemoryStore()
	client, err := cache.NewFromRedis(redis.NewClient(&redis.Options{Addr: "localhost:0"}), zap.NewNop())
	require.NoError(t, err)

	_, err = NewValidator(Config{}, nil, mem, mem)
	assert.True(t, errors.Is(err, ErrNilCache))

	_, err = NewValidator(Config{}, client, nil, mem)
	assert.True(t, errors.Is(err, ErrNilAccounts))

	_, err = NewValidator(Config{}, client, mem, nil)
	assert.True(t, errors.Is(err, ErrNilHistory))
}
