package errors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNextDelay(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}

	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{0, time.Second}, // clamped to 1
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := NextDelay(cfg, tt.retryCount); got != tt.expected {
			t.Errorf("NextDelay(%d) = %s, want %s", tt.retryCount, got, tt.expected)
		}
	}
}

func TestNextDelayZeroFactor(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second}
	if got := NextDelay(cfg, 3); got != time.Second {
		t.Errorf("NextDelay with zero factor = %s, want 1s", got)
	}
}

func TestApplyJitter(t *testing.T) {
	base := time.Second

	if got := applyJitter(base, 0); got != base {
		t.Errorf("zero jitter should return base, got %s", got)
	}

	for i := 0; i < 100; i++ {
		got := applyJitter(base, 0.1)
		if got < 900*time.Millisecond || got > 1100*time.Millisecond {
			t.Fatalf("jitter out of bounds: %s", got)
		}
	}
}

func TestWithRetrySuccess(t *testing.T) {
	calls := 0
	result := WithRetry(NoRetry, func() (string, error) {
		calls++
		return "ok", nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Value != "ok" {
		t.Errorf("Value = %q, want ok", result.Value)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("Attempts = %d, calls = %d, want 1", result.Attempts, calls)
	}
}

func TestWithRetryEventualSuccess(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		BackoffFactor:  2.0,
	}

	calls := 0
	result := WithRetry(cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, &HandlerExecutionError{Handler: "h", Err: errors.New("boom")}
		}
		return 42, nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Value != 42 {
		t.Errorf("Value = %d, want 42", result.Value)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestWithRetryExhaustion(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		BackoffFactor:  2.0,
	}

	boom := errors.New("boom")
	calls := 0
	result := WithRetry(cfg, func() (int, error) {
		calls++
		return 0, boom
	})

	if !errors.Is(result.Err, boom) {
		t.Errorf("Err = %v, want boom", result.Err)
	}
	if result.Attempts != 3 || calls != 3 {
		t.Errorf("Attempts = %d, calls = %d, want 3", result.Attempts, calls)
	}
}

func TestWithRetryNonRetryableStopsEarly(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	}

	calls := 0
	result := WithRetry(cfg, func() (int, error) {
		calls++
		return 0, &ValidationError{Message: "bad input"}
	})

	if result.Err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("calls = %d, Attempts = %d, want 1", calls, result.Attempts)
	}
}

func TestWithRetryCustomRetryableFunc(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		RetryableFunc:  func(error) bool { return false },
	}

	calls := 0
	result := WithRetry(cfg, func() (int, error) {
		calls++
		return 0, &HandlerExecutionError{Handler: "h", Err: errors.New("boom")}
	})

	if calls != 1 || result.Attempts != 1 {
		t.Errorf("calls = %d, Attempts = %d, want 1", calls, result.Attempts)
	}
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := WithRetryContext(ctx, DefaultRetry, func(context.Context) (int, error) {
		t.Fatal("fn should not run with cancelled context")
		return 0, nil
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", result.Err)
	}
	if result.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", result.Attempts)
	}
}

func TestWithRetryContextCancelDuringBackoff(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := WithRetryContext(ctx, cfg, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", result.Err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
