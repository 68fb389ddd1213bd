package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AcquireRelease(t *testing.T) {
	l := NewLimiter(2)

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, int64(2), l.Active())

	// Third acquire must block until a release.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
	require.NoError(t, l.Acquire(context.Background()))

	l.Release()
	l.Release()
	assert.Equal(t, int64(0), l.Active())
}

func TestLimiter_ClampsCapacity(t *testing.T) {
	l := NewLimiter(0)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Acquire(ctx))
	l.Release()
}

func TestLimiter_ReleaseWithoutAcquire(t *testing.T) {
	l := NewLimiter(1)
	l.Release() // must not panic or corrupt accounting
	assert.Equal(t, int64(0), l.Active())
}

func TestLimiter_Do(t *testing.T) {
	l := NewLimiter(1)

	ran := false
	err := l.Do(context.Background(), func() error {
		ran = true
		assert.Equal(t, int64(1), l.Active())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(0), l.Active())

	boom := errors.New("boom")
	err = l.Do(context.Background(), func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestLimiter_Metrics(t *testing.T) {
	l := NewLimiter(4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func() error {
				time.Sleep(5 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	m := l.Snapshot()
	assert.Equal(t, int64(8), m.TotalAcquired)
	assert.Equal(t, int64(8), m.TotalReleased)
	assert.LessOrEqual(t, m.PeakConcurrent, int64(4))
	assert.Greater(t, m.PeakConcurrent, int64(0))
}

func TestLimiter_BreakerFastFail(t *testing.T) {
	breaker := NewCircuitBreaker(2, time.Minute)
	l := NewLimiterWithBreaker(4, breaker)

	boom := errors.New("downstream broken")
	for i := 0; i < 2; i++ {
		_ = l.Do(context.Background(), func() error { return boom })
	}
	assert.Equal(t, StateOpen, breaker.State())

	err := l.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)

	err = l.Do(context.Background(), func() error {
		t.Fatal("must not run while circuit is open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestLimiter_NilBreaker(t *testing.T) {
	l := NewLimiterWithBreaker(1, nil)
	assert.Nil(t, l.Breaker())
	require.NoError(t, l.Do(context.Background(), func() error { return nil }))
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	cb := NewCircuitBreaker(3, 20*time.Millisecond)
	assert.Equal(t, StateClosed, cb.State())
	assert.False(t, cb.IsOpen())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())

	// Success resets the consecutive failure count.
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, cb.IsOpen())

	// After the reset timeout the breaker probes half-open.
	time.Sleep(25 * time.Millisecond)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateHalfOpen, cb.State())

	// A failure while half-open reopens immediately.
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(25 * time.Millisecond)
	assert.False(t, cb.IsOpen())
	for i := 0; i < halfOpenSuccesses; i++ {
		cb.RecordSuccess()
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.False(t, cb.IsOpen())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT", "12")
	t.Setenv("DAEDALUS_BATCH_WORKERS", "3")

	cfg := LoadConfig()
	assert.Equal(t, 12, cfg.MaxConcurrent)
	assert.Equal(t, 3, cfg.BatchWorkers)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
}

func TestLoadConfig_AutoDetect(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT", "")
	t.Setenv("DAEDALUS_BATCH_WORKERS", "")

	cfg := LoadConfig()
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
	assert.GreaterOrEqual(t, cfg.MaxConcurrent, 1)
	assert.GreaterOrEqual(t, cfg.BatchWorkers, 2)
	assert.Greater(t, cfg.EffectiveCPUs, 0)
}

func TestLoadConfig_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT", "not-a-number")
	cfg := LoadConfig()
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
}
