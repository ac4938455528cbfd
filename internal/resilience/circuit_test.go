package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	// Fail 3 times to trip the breaker.
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected open state after %d failures, got %s", cfg.FailureThreshold, cb.State())
	}

	// The (k+1)th call must be rejected without invoking the dependency.
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsClosed(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}

	failures, state := cb.Counters()
	if failures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", failures)
	}
	if state != CircuitClosed {
		t.Errorf("expected closed state, got %s", state)
	}

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return nil
	})

	failures, _ = cb.Counters()
	if failures != 0 {
		t.Errorf("expected 0 consecutive failures after success, got %d", failures)
	}
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         10 * time.Second,
	}
	cb := NewCircuitBreaker(cfg)

	now := time.Now()
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("fail")
	})
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	// Cooldown elapses.
	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", cb.State())
	}

	// Start a probe but do not finish it; a second call must be rejected.
	probe, err := cb.allowRequest()
	if err != nil || !probe {
		t.Fatalf("expected probe admission, got probe=%v err=%v", probe, err)
	}
	if _, err := cb.allowRequest(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent probe should be rejected, got %v", err)
	}

	// Probe succeeds -> closed.
	cb.recordResult(nil, true)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeEscalatesCooldown(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold:   1,
		Cooldown:           10 * time.Second,
		CooldownMultiplier: 2.0,
		MaxCooldown:        30 * time.Second,
	}
	cb := NewCircuitBreaker(cfg)

	now := time.Now()
	cb.nowFunc = func() time.Time { return now }

	fail := func(_ context.Context) error { return errors.New("fail") }

	_ = cb.Execute(context.Background(), fail)

	// First reopen: cooldown doubles to 20s.
	now = now.Add(10 * time.Second)
	_ = cb.Execute(context.Background(), fail)
	if cb.currentCooldown != 20*time.Second {
		t.Errorf("expected 20s cooldown after failed probe, got %s", cb.currentCooldown)
	}

	// 10s is no longer enough to go half-open.
	now = now.Add(10 * time.Second)
	if cb.State() != CircuitOpen {
		t.Errorf("expected open during escalated cooldown, got %s", cb.State())
	}

	// Second reopen caps at MaxCooldown.
	now = now.Add(10 * time.Second)
	_ = cb.Execute(context.Background(), fail)
	if cb.currentCooldown != 30*time.Second {
		t.Errorf("expected cooldown capped at 30s, got %s", cb.currentCooldown)
	}

	// Successful probe restores the base cooldown.
	now = now.Add(30 * time.Second)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if cb.currentCooldown != 10*time.Second {
		t.Errorf("expected base cooldown restored, got %s", cb.currentCooldown)
	}
}

func TestCircuitBreaker_MalformedDoesNotTrip(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return NewMalformedError(errors.New("missing score field"))
		})
	}

	if cb.State() != CircuitClosed {
		t.Errorf("malformed responses must not open the breaker, state=%s", cb.State())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         1 * time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}
	cb := NewCircuitBreaker(cfg)

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("fail")
	})
	cb.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}
