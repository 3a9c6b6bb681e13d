package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.failureThreshold != 5 {
		t.Errorf("failureThreshold = %d, want 5", cb.failureThreshold)
	}
	if cb.window != 30*time.Second {
		t.Errorf("window = %v, want 30s", cb.window)
	}
	if cb.baseCoolOff != 30*time.Second {
		t.Errorf("baseCoolOff = %v, want 30s", cb.baseCoolOff)
	}
	if cb.maxCoolOff != 5*time.Minute {
		t.Errorf("maxCoolOff = %v, want 5m", cb.maxCoolOff)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		CoolOff:          time.Hour, // stays open
	})

	for i := 0; i < 3; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("Allow in closed state: %v", err)
		}
		cb.RecordFailure()
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow while open = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_RejectionDoesNotCountAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		CoolOff:          time.Hour,
	})
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	for i := 0; i < 10; i++ {
		_ = cb.Allow()
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %v, short-circuited calls must not change state", cb.State())
	}
}

func TestCircuitBreaker_SuccessForgetsOldestFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
	})

	// Two failures, one success, two more failures: never reaches 3 in window.
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_WindowExpiry(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		Window:           20 * time.Millisecond,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	// The earlier failures have aged out of the window.
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (stale failures must not count)", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		CoolOff:          10 * time.Millisecond,
	})
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(15 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("probe Allow: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	// Second caller during the probe is rejected.
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("concurrent Allow during probe = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_ProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		CoolOff:          10 * time.Millisecond,
	})
	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("probe Allow: %v", err)
	}
	cb.RecordSuccess()

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.State())
	}
	if cb.coolOff != cb.baseCoolOff {
		t.Errorf("coolOff = %v, want reset to base %v", cb.coolOff, cb.baseCoolOff)
	}
}

func TestCircuitBreaker_ProbeFailureBacksOffExponentially(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		CoolOff:          10 * time.Millisecond,
		MaxCoolOff:       25 * time.Millisecond,
	})
	cb.RecordFailure() // open, coolOff 10ms

	for i, want := range []time.Duration{20 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond} {
		time.Sleep(cb.coolOff + 5*time.Millisecond)
		if err := cb.Allow(); err != nil {
			t.Fatalf("probe %d Allow: %v", i, err)
		}
		cb.RecordFailure()
		if cb.State() != StateOpen {
			t.Fatalf("probe %d: state = %v, want open", i, cb.State())
		}
		if cb.coolOff != want {
			t.Errorf("probe %d: coolOff = %v, want %v", i, cb.coolOff, want)
		}
	}
}
