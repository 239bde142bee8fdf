// Package reactor serializes printer work onto a single goroutine.
//
// Every G-code command and every timer callback runs on the reactor
// goroutine, so MMU state needs no further locking against concurrent
// commands. Other goroutines (HTTP handlers, the console) hand work in with
// Submit and block until it has run.
//
// Copyright (C) 2016-2021  Kevin O'Connor <kevin@koconnor.net>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"klipper-mmu/pkg/log"
)

const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

var (
	ErrReactorClosed = errors.New("reactor: reactor closed")
	ErrNotRunning    = errors.New("reactor: reactor not running")
)

// TimerCallback is called with the event time and returns the next wake
// time, or NEVER to go idle.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer.
type Timer struct {
	callback TimerCallback
	waketime float64
}

// Reactor runs submitted work and timers on one goroutine.
type Reactor struct {
	mu     sync.Mutex
	timers []*Timer

	queue chan func()
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time
	logger    *zerolog.Logger
}

// New creates a reactor. Call Run to start it.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		queue:     make(chan func()),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		logger:    log.GetLogger("reactor"),
	}
}

// Monotonic returns seconds since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// RegisterTimer adds a timer that first fires at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	t := &Timer{callback: callback, waketime: waketime}
	r.mu.Lock()
	r.timers = append(r.timers, t)
	r.mu.Unlock()
	r.poke()
	return t
}

// UpdateTimer reschedules a timer.
func (r *Reactor) UpdateTimer(t *Timer, waketime float64) {
	r.mu.Lock()
	t.waketime = waketime
	r.mu.Unlock()
	r.poke()
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.waketime = NEVER
	for i, other := range r.timers {
		if other == t {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}

// Waketime returns when a timer will next fire.
func (r *Reactor) Waketime(t *Timer) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.waketime
}

func (r *Reactor) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Submit runs fn on the reactor goroutine and returns its error. A
// panic in fn is returned as an error and leaves the reactor running.
//
// Submit must not be called from the reactor goroutine itself.
func (r *Reactor) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if !r.running.Load() {
		return ErrNotRunning
	}
	done := make(chan error, 1)
	job := func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error().Interface("panic", p).Msg("submitted work panicked")
				done <- fmt.Errorf("reactor: panic: %v", p)
			}
		}()
		done <- fn(ctx)
	}

	select {
	case r.queue <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrReactorClosed
	}

	select {
	case err := <-done:
		return err
	case <-r.ctx.Done():
		return ErrReactorClosed
	}
}

// Run starts the dispatch loop.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End stops the dispatch loop. Work already running finishes first.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch loop has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

// Done is closed once End has been called.
func (r *Reactor) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()
	r.logger.Debug().Msg("reactor started")

	for {
		delay := r.checkTimers(r.Monotonic())
		wait := time.NewTimer(time.Duration(delay * float64(time.Second)))

		select {
		case fn := <-r.queue:
			wait.Stop()
			fn()
		case <-r.wake:
			wait.Stop()
		case <-wait.C:
		case <-r.ctx.Done():
			wait.Stop()
			r.logger.Debug().Msg("reactor stopped")
			return
		}
	}
}

// checkTimers fires due timers and returns the delay until the next one,
// capped at one second.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	var due []*Timer
	for _, t := range r.timers {
		if eventtime >= t.waketime {
			t.waketime = NEVER
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	for _, t := range due {
		next := t.callback(eventtime)
		r.mu.Lock()
		if next < t.waketime {
			t.waketime = next
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	nextWake := NEVER
	for _, t := range r.timers {
		nextWake = math.Min(nextWake, t.waketime)
	}
	return math.Max(0, math.Min(nextWake-r.Monotonic(), 1.0))
}
