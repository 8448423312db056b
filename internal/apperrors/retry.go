package apperrors

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig configures Retry's exponential-backoff behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig is the claim-registry/queue retry policy: base 1s,
// cap 30s, at most 5 retries. Retry grows the delay by the backoff
// library's default factor of 1.5 and randomizes each delay to within
// ±50% of its current value; it does not use full jitter (a uniform draw
// from zero up to the delay).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// RetryableFunc is retried by Retry until it succeeds, returns a permanent
// error, or attempts are exhausted.
type RetryableFunc func(ctx context.Context) error

// Retry runs fn with exponential backoff, retrying only when IsTransient
// reports true for the returned error.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.BaseDelay
	b.MaxInterval = config.MaxDelay

	operation := func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(config.MaxAttempts)+1),
	)
	if err != nil {
		return fmt.Errorf("max retries exceeded: %w", err)
	}
	return nil
}
