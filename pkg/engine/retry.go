package engine

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy configures exponential backoff for provider API calls.
// The engine never retries handlers; providers wrap their own remote
// calls in RetryWithBackoff where the remote API is known to be flaky.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int

	// InitialBackoff is the delay after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// Multiplier grows the delay after each failure.
	Multiplier float64

	// ThrottleMultiplier further scales the delay when the error is
	// classified as throttled, backing off harder than for ordinary
	// transient failures.
	ThrottleMultiplier float64
}

// DefaultRetryPolicy returns the policy providers use unless the
// remote API documents specific limits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        5,
		InitialBackoff:     200 * time.Millisecond,
		MaxBackoff:         10 * time.Second,
		Multiplier:         2.0,
		ThrottleMultiplier: 2.0,
	}
}

// RetryWithBackoff runs fn until it succeeds, returns a non-retryable
// error, or the policy is exhausted. Only transient and throttled
// classifications are retried; each delay gets up to 50% random jitter
// so concurrent resources spread their retries out.
func RetryWithBackoff(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	backoff := policy.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt >= policy.MaxAttempts {
			return err
		}

		delay := backoff
		if IsThrottled(err) && policy.ThrottleMultiplier > 1 {
			delay = time.Duration(float64(delay) * policy.ThrottleMultiplier)
		}
		if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}
		if delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
		}

		select {
		case <-ctx.Done():
			return NewTransientError("retry aborted", ctx.Err()).WithCode(ErrCodeTimeout)
		case <-time.After(delay):
		}

		backoff = time.Duration(float64(backoff) * policy.Multiplier)
		if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
}
