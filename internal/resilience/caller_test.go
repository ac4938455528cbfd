package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testCaller(retryAttempts int) *Caller {
	return NewCaller(CallerConfig{
		Dependency: "test",
		Timeout:    time.Second,
		Retry: RetryConfig{
			MaxAttempts:    retryAttempts,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
		Breaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			Cooldown:         time.Minute,
		},
	})
}

func TestInvoke_Success(t *testing.T) {
	c := testCaller(3)
	got, err := Invoke(context.Background(), c, func(_ context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q", got)
	}
}

func TestInvoke_RetriesThenSucceeds(t *testing.T) {
	c := testCaller(3)
	var calls int
	got, err := Invoke(context.Background(), c, func(_ context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, NewTransientError(errors.New("529 overloaded"), 529)
		}
		return calls, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2 {
		t.Errorf("expected success on attempt 2, got %d", got)
	}
}

func TestInvoke_BreakerShortCircuits(t *testing.T) {
	c := testCaller(1)
	var calls int
	fail := func(_ context.Context) (struct{}, error) {
		calls++
		return struct{}{}, NewTransientError(errors.New("503"), 503)
	}

	for i := 0; i < 3; i++ {
		_, _ = Invoke(context.Background(), c, fail)
	}
	if calls != 3 {
		t.Fatalf("expected 3 dependency calls, got %d", calls)
	}

	// Breaker is now open: no further dependency invocations.
	_, err := Invoke(context.Background(), c, fail)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 3 {
		t.Errorf("open breaker must not invoke the dependency, calls=%d", calls)
	}
}

func TestInvoke_BreakerOpenNotRetried(t *testing.T) {
	c := testCaller(5)
	for i := 0; i < 3; i++ {
		_, _ = Invoke(context.Background(), c, func(_ context.Context) (struct{}, error) {
			return struct{}{}, NewTransientError(errors.New("503"), 503)
		})
	}

	start := time.Now()
	_, err := Invoke(context.Background(), c, func(_ context.Context) (struct{}, error) {
		t.Error("dependency must not be invoked while open")
		return struct{}{}, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	// Short-circuit must fail fast, not burn retry backoff.
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("breaker-open call took %s, expected fail-fast", elapsed)
	}
}

func TestInvoke_AppliesTimeout(t *testing.T) {
	c := NewCaller(CallerConfig{
		Dependency: "slow",
		Timeout:    10 * time.Millisecond,
		Retry:      RetryConfig{MaxAttempts: 1},
	})
	_, err := Invoke(context.Background(), c, func(ctx context.Context) (struct{}, error) {
		select {
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		case <-time.After(time.Second):
			return struct{}{}, nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestNewCaller_PacingDisabledByDefault(t *testing.T) {
	c := NewCaller(CallerConfig{Dependency: "x"})
	if c.limiter != nil {
		t.Error("limiter should be nil when RequestsPerMinute is 0")
	}
}
