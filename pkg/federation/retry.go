package federation

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls exponential backoff for transient failures. The same
// policy drives connection establishment, reconnect scheduling, and retried
// store operations.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryPolicy returns the policy used across the engine unless a
// component overrides it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    time.Second,
		MaxDelay:     2 * time.Minute,
		JitterFactor: 0.2,
	}
}

// Backoff calculates the delay before the given attempt (zero-based) with
// exponential growth, a hard cap, and jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	// Exponential backoff: baseDelay * 2^attempt
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))

	// Cap at maxDelay
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Add jitter (±jitterFactor)
	jitter := delay * p.JitterFactor * (2*rand.Float64() - 1)
	delay += jitter

	// Ensure delay is positive
	if delay < 0 {
		delay = float64(p.BaseDelay)
	}

	return time.Duration(delay)
}

// Do executes fn with retries until it succeeds, fails permanently, runs out
// of attempts, or the context ends.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, operation string, fn func(context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		// Check context cancellation
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if !IsTransient(err) {
			return err
		}
		lastErr = err

		logger.Debug("operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		// Don't sleep on the last attempt
		if attempt < p.MaxAttempts-1 {
			if err := sleepCtx(ctx, p.Backoff(attempt)); err != nil {
				return err
			}
		}
	}

	return lastErr
}

// sleepCtx waits for the duration or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
