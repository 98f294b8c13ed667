//go:build unit

package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		max      time.Duration
		attempt  int
		expected time.Duration
	}{
		{
			name:     "attempt 0 returns base",
			base:     100 * time.Millisecond,
			max:      time.Minute,
			attempt:  0,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "attempt 1 doubles base",
			base:     100 * time.Millisecond,
			max:      time.Minute,
			attempt:  1,
			expected: 200 * time.Millisecond,
		},
		{
			name:     "attempt 3 is 8x base",
			base:     100 * time.Millisecond,
			max:      time.Minute,
			attempt:  3,
			expected: 800 * time.Millisecond,
		},
		{
			name:     "capped at max",
			base:     time.Second,
			max:      5 * time.Second,
			attempt:  10,
			expected: 5 * time.Second,
		},
		{
			name:     "negative attempt treated as 0",
			base:     100 * time.Millisecond,
			max:      time.Minute,
			attempt:  -3,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "huge attempt does not overflow",
			base:     time.Second,
			max:      30 * time.Second,
			attempt:  500,
			expected: 30 * time.Second,
		},
		{
			name:     "zero base returns 0",
			base:     0,
			max:      time.Minute,
			attempt:  4,
			expected: 0,
		},
		{
			name:     "zero max returns 0",
			base:     time.Second,
			max:      0,
			attempt:  4,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Delay(tt.base, tt.max, tt.attempt))
		})
	}
}

func TestJitter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), Jitter(0))
	assert.Equal(t, time.Duration(0), Jitter(-time.Second))

	for range 100 {
		d := Jitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, time.Second)
	}
}

func TestDelayWithJitter(t *testing.T) {
	t.Parallel()

	for attempt := range 5 {
		d := DelayWithJitter(10*time.Millisecond, time.Second, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, time.Second+time.Millisecond)
	}
}

func TestWait(t *testing.T) {
	t.Parallel()

	t.Run("completes for short duration", func(t *testing.T) {
		t.Parallel()

		require.NoError(t, Wait(context.Background(), time.Millisecond))
	})

	t.Run("returns immediately for non-positive duration", func(t *testing.T) {
		t.Parallel()

		start := time.Now()
		require.NoError(t, Wait(context.Background(), -time.Hour))
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("respects cancellation", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Wait(ctx, time.Minute)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
