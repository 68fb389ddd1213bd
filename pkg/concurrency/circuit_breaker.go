package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int32

const (
	// StateClosed allows operations through.
	StateClosed BreakerState = iota

	// StateOpen blocks operations until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets operations through while probing for recovery.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
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

// halfOpenSuccesses is the number of consecutive successes required in the
// half-open state before the circuit closes again.
const halfOpenSuccesses = 5

// CircuitBreaker sheds load when node executions fail repeatedly, keeping a
// misbehaving collaborator from saturating the batch workers.
type CircuitBreaker struct {
	state       atomic.Int32
	failures    atomic.Int64
	successes   atomic.Int64
	lastFailure atomic.Int64 // unix nanos

	failureThreshold int64
	resetTimeout     time.Duration
	mu               sync.Mutex
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen reports whether operations are currently blocked. An open circuit
// transitions to half-open once the reset timeout has elapsed.
func (cb *CircuitBreaker) IsOpen() bool {
	if BreakerState(cb.state.Load()) != StateOpen {
		return false
	}

	last := cb.lastFailure.Load()
	if last > 0 && time.Since(time.Unix(0, last)) > cb.resetTimeout {
		cb.transition(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess notes a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)

	if BreakerState(cb.state.Load()) == StateHalfOpen {
		if cb.successes.Add(1) >= halfOpenSuccesses {
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed operation, opening the circuit when the
// failure threshold is reached or when any failure occurs while half-open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.successes.Store(0)
	cb.lastFailure.Store(time.Now().UnixNano())

	failures := cb.failures.Add(1)
	switch BreakerState(cb.state.Load()) {
	case StateClosed:
		if failures >= cb.failureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	return BreakerState(cb.state.Load())
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.transition(StateClosed)
	cb.lastFailure.Store(0)
}

func (cb *CircuitBreaker) transition(next BreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if BreakerState(cb.state.Load()) == next {
		return
	}
	cb.state.Store(int32(next))
	switch next {
	case StateClosed:
		cb.failures.Store(0)
		cb.successes.Store(0)
	case StateHalfOpen:
		cb.successes.Store(0)
	}
}
