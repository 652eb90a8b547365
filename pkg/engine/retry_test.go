package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        4,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		Multiplier:         2,
		ThrottleMultiplier: 2,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastPolicy(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return NewTransientError("flaky", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryWithBackoff() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	permanent := NewPermanentError("bad request", nil)
	err := RetryWithBackoff(context.Background(), fastPolicy(), func(ctx context.Context) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("error = %v, want permanent error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastPolicy(), func(ctx context.Context) error {
		attempts++
		return NewThrottledError("slow down", nil)
	})
	if err == nil {
		t.Fatal("RetryWithBackoff() = nil, want last error")
	}
	if !IsThrottled(err) {
		t.Errorf("error = %v, want throttled classification", err)
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want MaxAttempts", attempts)
	}
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	policy := fastPolicy()
	policy.InitialBackoff = time.Hour

	done := make(chan error, 1)
	go func() {
		done <- RetryWithBackoff(ctx, policy, func(ctx context.Context) error {
			attempts++
			return NewTransientError("flaky", nil)
		})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context cancellation in chain", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RetryWithBackoff() did not stop after cancellation")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), RetryPolicy{}, func(ctx context.Context) error {
		attempts++
		return NewTransientError("flaky", nil)
	})
	if err == nil {
		t.Fatal("RetryWithBackoff() = nil, want error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
