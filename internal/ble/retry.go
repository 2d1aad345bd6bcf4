package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SleepFunc waits for d or until ctx is done. Tests swap it for a recorder.
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext is the production SleepFunc.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryPolicy bounds how often a failing step is attempted.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff returns the wait after failed attempt n (1-based).
	Backoff func(attempt int) time.Duration
}

// LinearBackoff waits attempt*step after each failure.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// ExponentialBackoff doubles from base on each failure, capped at max.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return backoffDelay(attempt-1, base, max)
	}
}

// backoffDelay returns base*2^attempt, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Past 30 doublings any sane base exceeds the cap; avoid shift overflow.
	if attempt > 30 {
		return max
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// Do runs op until it succeeds or the attempt budget is spent, sleeping
// between attempts. It returns the last error from op.
func (p RetryPolicy) Do(ctx context.Context, sleep SleepFunc, op func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			slog.Info("[BLE] retry attempt", "attempt", attempt, "max", attempts)
		}
		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		slog.Warn("[BLE] attempt failed, backing off", "attempt", attempt, "delay", delay, "error", lastErr)
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	return lastErr
}
