// Moonraker backend adapter for the MMU host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package moonraker

import (
	"context"
	"sort"
	"sync"

	herrors "klipper-mmu/pkg/errors"
)

// Klippy states reported to clients.
const (
	StateStartup  = "startup"
	StateReady    = "ready"
	StateError    = "error"
	StateShutdown = "shutdown"
)

// Backend is the host side of the API server.
type Backend interface {
	// ObjectNames lists the queryable printer objects.
	ObjectNames() []string

	// ObjectStatus returns the status of one object, restricted to attrs
	// when attrs is non-empty. Unknown objects return nil.
	ObjectStatus(name string, attrs []string) map[string]any

	// RunGCode executes a G-code script.
	RunGCode(ctx context.Context, script string) error

	EmergencyStop()

	// KlippyState returns one of the State constants and a message.
	KlippyState() (string, string)
}

// StatusProvider returns the full status of a printer object.
type StatusProvider func() map[string]any

// Submitter runs work on the host's command loop.
type Submitter interface {
	Submit(ctx context.Context, fn func(ctx context.Context) error) error
}

// ScriptRunner executes console G-code.
type ScriptRunner interface {
	RunCommand(ctx context.Context, script string) error
}

// Adapter implements Backend over a command loop and a G-code dispatcher.
// Status reads and scripts both run on the loop so they never observe a
// command half way through.
type Adapter struct {
	mu sync.RWMutex

	providers map[string]StatusProvider
	loop      Submitter
	runner    ScriptRunner

	state        string
	stateMessage string
	onStop       func()
}

// NewAdapter creates a ready adapter.
func NewAdapter(loop Submitter, runner ScriptRunner) *Adapter {
	return &Adapter{
		providers:    make(map[string]StatusProvider),
		loop:         loop,
		runner:       runner,
		state:        StateReady,
		stateMessage: "Printer is ready",
	}
}

// RegisterStatusProvider registers a status provider for an object.
func (a *Adapter) RegisterStatusProvider(name string, provider StatusProvider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.providers[name] = provider
}

// UnregisterStatusProvider removes a status provider.
func (a *Adapter) UnregisterStatusProvider(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.providers, name)
}

// SetEmergencyStopHandler sets the function run by EmergencyStop.
func (a *Adapter) SetEmergencyStopHandler(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStop = fn
}

// SetState updates the reported klippy state.
func (a *Adapter) SetState(state, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
	a.stateMessage = message
}

// ObjectNames implements Backend.
func (a *Adapter) ObjectNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.providers))
	for name := range a.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ObjectStatus implements Backend.
func (a *Adapter) ObjectStatus(name string, attrs []string) map[string]any {
	a.mu.RLock()
	provider, ok := a.providers[name]
	a.mu.RUnlock()
	if !ok {
		return nil
	}

	var status map[string]any
	err := a.submit(context.Background(), func(context.Context) error {
		status = provider()
		return nil
	})
	if err != nil {
		return nil
	}
	return FilterStatus(status, attrs)
}

// RunGCode implements Backend.
func (a *Adapter) RunGCode(ctx context.Context, script string) error {
	if state, msg := a.KlippyState(); state != StateReady {
		return herrors.New(herrors.ErrRuntime, "printer not ready: "+msg).
			SetContext("state", state)
	}
	return a.submit(ctx, func(ctx context.Context) error {
		return a.runner.RunCommand(ctx, script)
	})
}

// EmergencyStop implements Backend. The adapter refuses further scripts
// until the state is set back to ready.
func (a *Adapter) EmergencyStop() {
	a.mu.Lock()
	a.state = StateShutdown
	a.stateMessage = "Emergency stop"
	fn := a.onStop
	a.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// KlippyState implements Backend.
func (a *Adapter) KlippyState() (string, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state, a.stateMessage
}

func (a *Adapter) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if a.loop == nil {
		return fn(ctx)
	}
	return a.loop.Submit(ctx, fn)
}

// FilterStatus filters status map to only include requested attributes.
func FilterStatus(status map[string]any, attrs []string) map[string]any {
	if len(attrs) == 0 || status == nil {
		return status
	}

	filtered := make(map[string]any)
	for _, attr := range attrs {
		if val, ok := status[attr]; ok {
			filtered[attr] = val
		}
	}
	return filtered
}
