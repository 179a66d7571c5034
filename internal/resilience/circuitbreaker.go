// Package resilience keeps a session start from hammering a transport that
// is down.
//
// Every configured transport gets a [CircuitBreaker]. After MaxFailures
// consecutive failed connects the breaker opens and further connects fail
// fast with [ErrCircuitOpen]; once ResetTimeout has passed a few trial
// connects are let through to decide whether the transport is back.
// [FallbackGroup] walks an ordered list of entries and skips the ones whose
// breaker is open, and [LiveFallback] is the [live.Provider] built on it.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call until ResetTimeout has passed since the
	// last failure.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax trial calls. One failed trial
	// re-opens the breaker; HalfOpenMax successful ones close it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines, usually the transport name.
	Name string

	// MaxFailures opens the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the open period. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls. Default: 3.
	HalfOpenMax int

	// Now is the clock. Default: [time.Now].
	Now func() time.Time
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CircuitBreaker guards calls to one transport.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // last failure that (re)opened the breaker
	trials   int       // trial calls admitted in the current half-open period
	passed   int       // trial calls that succeeded
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// Name returns the label the breaker was created with.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn unless the breaker rejects it, and records the outcome.
// A rejected call returns [ErrCircuitOpen] and fn is not run.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(trial, err)
	return err
}

// admit decides whether a call may run and whether it counts as a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cooledLocked() {
		cb.moveLocked(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.trials++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil && trial:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.moveLocked(StateClosed)
		}
	case err == nil:
		cb.failures = 0
	case trial:
		cb.openedAt = cb.cfg.Now()
		cb.moveLocked(StateOpen)
	default:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures && cb.state == StateClosed {
			cb.openedAt = cb.cfg.Now()
			cb.moveLocked(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) cooledLocked() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// moveLocked switches to next and resets the counters that belong to the
// new state. The caller holds mu.
func (cb *CircuitBreaker) moveLocked(next State) {
	prev := cb.state
	cb.state = next
	cb.trials, cb.passed = 0, 0
	if next == StateClosed {
		cb.failures = 0
	}
	if prev == next {
		return
	}
	log := slog.Info
	if next == StateOpen {
		log = slog.Warn
	}
	log("transport breaker state changed",
		"name", cb.cfg.Name,
		"from", prev.String(),
		"to", next.String(),
		"consecutive_failures", cb.failures,
	)
}

// State returns the breaker's state. An open breaker whose timeout has
// passed reports [StateHalfOpen]; the switch itself happens on the next
// call to Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledLocked() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.moveLocked(StateClosed)
}
