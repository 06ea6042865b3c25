package util

import (
	"context"
	"time"
)

// RetryPolicy describes a bounded retry loop with exponential backoff.
// One policy instance is shared by every external-call site (persistence
// commits, storage uploads, vendor HTTP) so backoff behavior stays uniform.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// Multiplier grows the backoff after each failed attempt.
	Multiplier float64

	// MaxBackoff caps the delay between attempts. Zero means uncapped.
	MaxBackoff time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Nil means every error is retryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy matches the persistence commit contract: three
// attempts with 500ms initial backoff doubling between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     10 * time.Second,
	}
}

// Retry runs op until it succeeds, the policy is exhausted, the error is
// not retryable, or the context is done. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * multiplier)
		if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	return lastErr
}
