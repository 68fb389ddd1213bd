// Package concurrency provides the semaphore-based limiter and circuit
// breaker that bound how many fan-out tasks a run executes in parallel, plus
// the environment-driven defaults for sizing them.
package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics tracks limiter usage for observability.
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter is a context-aware semaphore with usage metrics and an optional
// circuit breaker. The engine acquires one slot per in-flight fan-out task.
type Limiter struct {
	sem     chan struct{}
	active  atomic.Int64
	breaker *CircuitBreaker

	acquired atomic.Int64
	released atomic.Int64
	peak     atomic.Int64
	waitNs   atomic.Int64
}

// NewLimiter creates a limiter allowing at most maxConcurrent concurrent
// holders. Values below one are clamped to one.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		sem:     make(chan struct{}, maxConcurrent),
		breaker: NewCircuitBreaker(100, 30*time.Second),
	}
}

// NewLimiterWithBreaker creates a limiter with a custom circuit breaker.
// A nil breaker disables circuit breaking entirely.
func NewLimiterWithBreaker(maxConcurrent int, breaker *CircuitBreaker) *Limiter {
	l := NewLimiter(maxConcurrent)
	l.breaker = breaker
	return l
}

// Acquire blocks until a slot is available or the context ends. It fails
// fast when the circuit breaker is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.breaker != nil && l.breaker.IsOpen() {
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the limiter.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
		// Release without a matching Acquire; nothing to return.
	}
}

// Do runs fn while holding a slot, recording the outcome to the circuit
// breaker. It returns without running fn if the slot cannot be acquired.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn()
	if l.breaker != nil {
		if err != nil {
			l.breaker.RecordFailure()
		} else {
			l.breaker.RecordSuccess()
		}
	}
	return err
}

// Active returns the number of slots currently held.
func (l *Limiter) Active() int64 {
	return l.active.Load()
}

// Snapshot returns a copy of the current metrics.
func (l *Limiter) Snapshot() Metrics {
	return Metrics{
		TotalAcquired:   l.acquired.Load(),
		TotalReleased:   l.released.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.waitNs.Load(),
	}
}

// AverageWait returns the mean time spent waiting for a slot.
func (l *Limiter) AverageWait() time.Duration {
	acquired := l.acquired.Load()
	if acquired == 0 {
		return 0
	}
	return time.Duration(l.waitNs.Load() / acquired)
}

// Breaker returns the limiter's circuit breaker, which may be nil.
func (l *Limiter) Breaker() *CircuitBreaker {
	return l.breaker
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
