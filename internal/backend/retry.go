package backend

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls exponential backoff on retryable errors.
type RetryPolicy struct {
	Retries   int
	BaseDelay time.Duration
	Factor    float64
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is used when an adapter is constructed without one.
var DefaultRetryPolicy = RetryPolicy{
	Retries:   2,
	BaseDelay: 500 * time.Millisecond,
	Factor:    2.0,
	MaxDelay:  8 * time.Second,
}

// Delay returns the backoff before the given attempt (0-based). A rate-limit
// retry-after hint overrides the computed delay when larger.
func (p RetryPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Factor)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if hint > delay {
		delay = hint
	}
	return delay
}

// withRetry runs fn up to Retries+1 times, backing off between attempts on
// retryable errors. Context cancellation stops in-flight retries.
func withRetry[T any](ctx context.Context, policy RetryPolicy, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.Retries; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == policy.Retries {
			break
		}

		var hint time.Duration
		var be *Error
		if errors.As(err, &be) {
			hint = be.RetryAfter
		}

		select {
		case <-time.After(policy.Delay(attempt, hint)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}
