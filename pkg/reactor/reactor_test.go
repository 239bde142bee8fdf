package reactor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startReactor(t *testing.T) *Reactor {
	t.Helper()
	r := New()
	r.Run()
	t.Cleanup(func() {
		r.End()
		r.Wait()
	})
	return r
}

func TestMonotonic(t *testing.T) {
	r := New()
	t1 := r.Monotonic()
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, r.Monotonic(), t1)
}

func TestTimerFiresOnce(t *testing.T) {
	r := startReactor(t)

	var called atomic.Int32
	r.RegisterTimer(func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, NOW)

	assert.Eventually(t, func() bool { return called.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), called.Load())
}

func TestTimerRepeat(t *testing.T) {
	r := startReactor(t)

	var called atomic.Int32
	r.RegisterTimer(func(eventtime float64) float64 {
		if called.Add(1) < 3 {
			return eventtime + 0.01
		}
		return NEVER
	}, NOW)

	assert.Eventually(t, func() bool { return called.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestUpdateAndUnregisterTimer(t *testing.T) {
	r := startReactor(t)

	var called atomic.Int32
	timer := r.RegisterTimer(func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, NEVER)

	r.UpdateTimer(timer, r.Monotonic()+0.02)
	assert.Eventually(t, func() bool { return called.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, NEVER, r.Waketime(timer))

	r.UpdateTimer(timer, r.Monotonic()+0.05)
	r.UnregisterTimer(timer)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), called.Load())
}

func TestSubmitSerializes(t *testing.T) {
	r := startReactor(t)
	ctx := context.Background()

	var active, overlaps atomic.Int32
	errc := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			errc <- r.Submit(ctx, func(ctx context.Context) error {
				if active.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errc)
	}
	assert.Zero(t, overlaps.Load())
}

func TestSubmitReturnsErrorAndRecoversPanic(t *testing.T) {
	r := startReactor(t)
	ctx := context.Background()

	boom := errors.New("boom")
	assert.ErrorIs(t, r.Submit(ctx, func(context.Context) error { return boom }), boom)
	assert.ErrorContains(t, r.Submit(ctx, func(context.Context) error { panic("bad") }), "panic: bad")
	assert.NoError(t, r.Submit(ctx, func(context.Context) error { return nil }))
}

func TestSubmitNotRunning(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Submit(context.Background(), func(context.Context) error { return nil }), ErrNotRunning)
}

func TestSubmitAfterEnd(t *testing.T) {
	r := New()
	r.Run()
	r.End()
	r.Wait()
	assert.Error(t, r.Submit(context.Background(), func(context.Context) error { return nil }))
}
