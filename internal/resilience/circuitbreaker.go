// Package resilience provides the per-provider circuit breaker that protects
// the tool dispatcher from cascading failures.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open). Unlike a consecutive-failure breaker it trips
// on a rolling window of failures (N failures within W), and repeated
// re-opens grow the cool-off interval exponentially up to a cap, so a
// provider that keeps failing its half-open probe is consulted less and less
// often.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] when the breaker is in
// the open state and the cool-off interval has not yet elapsed, or when a
// half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded and
	// failures are counted in a rolling window.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrCircuitOpen] until the cool-off interval elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cool-off. Exactly one
	// call is allowed through; if it succeeds the breaker closes, otherwise it
	// re-opens with a longer cool-off.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages, typically the
	// provider name.
	Name string

	// FailureThreshold is the number of failures within Window that trips the
	// breaker. Default: 5.
	FailureThreshold int

	// Window is the rolling interval over which failures are counted in the
	// closed state. Default: 30s.
	Window time.Duration

	// CoolOff is the initial open interval before a half-open probe is
	// admitted. Default: 30s.
	CoolOff time.Duration

	// MaxCoolOff caps the exponential growth of the cool-off interval across
	// repeated failed probes. Default: 5m.
	MaxCoolOff time.Duration
}

// CircuitBreaker implements the windowed three-state circuit breaker.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	window           time.Duration
	baseCoolOff      time.Duration
	maxCoolOff       time.Duration

	mu       sync.Mutex
	state    State
	failures []time.Time // failure timestamps within the rolling window
	openedAt time.Time
	coolOff  time.Duration // current open interval, grows on failed probes
	probing  bool          // a half-open probe is in flight
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	if cfg.MaxCoolOff <= 0 {
		cfg.MaxCoolOff = 5 * time.Minute
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		window:           cfg.Window,
		baseCoolOff:      cfg.CoolOff,
		maxCoolOff:       cfg.MaxCoolOff,
		state:            StateClosed,
		coolOff:          cfg.CoolOff,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// [ErrCircuitOpen] until the cool-off elapses, at which point the breaker
// moves to half-open and admits exactly one probe call; concurrent callers
// during the probe are rejected. The caller must follow an admitted call
// with RecordSuccess or RecordFailure. A rejection counts as neither.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.openedAt) < cb.coolOff {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
		slog.Info("circuit breaker half-open", "name", cb.name)
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess records a successful call. A successful half-open probe
// closes the breaker and resets the cool-off to its base value; in the
// closed state the oldest windowed failure is forgotten.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateClosed
		cb.probing = false
		cb.failures = nil
		cb.coolOff = cb.baseCoolOff
		slog.Info("circuit breaker closed", "name", cb.name)
	case StateClosed:
		if len(cb.failures) > 0 {
			cb.failures = cb.failures[1:]
		}
	}
}

// RecordFailure records a failed call. A failed half-open probe re-opens the
// breaker with a doubled cool-off (capped at MaxCoolOff); in the closed
// state the failure joins the rolling window and trips the breaker once the
// threshold is crossed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.probing = false
		cb.openedAt = now
		cb.coolOff = min(cb.coolOff*2, cb.maxCoolOff)
		slog.Warn("circuit breaker re-opened",
			"name", cb.name, "cool_off", cb.coolOff)
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.trimWindow(now)
		if len(cb.failures) >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openedAt = now
			cb.failures = nil
			slog.Warn("circuit breaker opened",
				"name", cb.name, "threshold", cb.failureThreshold, "cool_off", cb.coolOff)
		}
	}
}

// Abandon releases an admitted call without recording an outcome, e.g. when
// the call was cancelled by the caller before the provider answered. A
// half-open probe slot is returned so the next Allow can re-admit one.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probing = false
	}
}

// State returns the breaker's current state. An elapsed cool-off is not
// reflected until the next Allow admits a probe.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// trimWindow drops failures older than the rolling window. Callers must hold
// cb.mu.
func (cb *CircuitBreaker) trimWindow(now time.Time) {
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.failures) && cb.failures[i].Before(cutoff) {
		i++
	}
	cb.failures = cb.failures[i:]
}
