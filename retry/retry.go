// Package retry implements bounded retries with exponential backoff for
// transient failures, respecting context cancellation.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config bounds a retry loop.
type Config struct {
	// MaxAttempts includes the initial attempt.
	MaxAttempts int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
}

// DefaultConfig suits short idempotent network calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// SettlementConfig suits the settle call, which may wait on an on-chain
// confirmation and deserves a longer, slower-growing schedule.
var SettlementConfig = Config{
	MaxAttempts:  4,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
}

// IsRetryable reports whether an error should trigger another attempt.
// A non-retryable error is returned to the caller immediately.
type IsRetryable func(error) bool

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// config.MaxAttempts, or ctx is cancelled.
func Do[T any](ctx context.Context, config Config, isRetryable IsRetryable, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt < config.MaxAttempts-1 {
			select {
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * config.Multiplier)
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}
