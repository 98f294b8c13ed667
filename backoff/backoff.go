package backoff

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// maxShift bounds the exponent so the multiplier cannot overflow int64.
const maxShift = 62

// Delay returns base * 2^attempt capped at max. Negative attempts are
// treated as 0. A non-positive base or max yields 0.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 || max <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > int64(max)/multiplier {
		return max
	}

	delay := time.Duration(int64(base) * multiplier)
	if delay > max {
		return max
	}

	return delay
}

// Jitter returns a random duration in [0, d). Returns 0 for non-positive d.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(d)))
}

// DelayWithJitter combines Delay with full jitter: a random duration in
// [0, min(base * 2^attempt, max)). This is the AWS "Full Jitter" strategy.
func DelayWithJitter(base, max time.Duration, attempt int) time.Duration {
	return Jitter(Delay(base, max, attempt))
}

// Wait sleeps for the given duration but respects context cancellation.
// Returns nil if the sleep completes, or the context error if cancelled.
// Returns immediately for zero or negative durations.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff wait: %w", ctx.Err())
	}
}
