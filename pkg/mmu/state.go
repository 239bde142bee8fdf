// MMU3 state tracking
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import "strconv"

// NoTool marks an unknown or unselected tool.
const NoTool = -1

// State is a snapshot of the MMU state record.
type State struct {
	// CurrentTool is the lane the idler and selector address.
	CurrentTool int
	// CurrentFilament is the lane whose filament occupies the shared path.
	CurrentFilament int
	Homed           bool
	Paused          bool
	// LastExtruderTemp is captured when the MMU pauses.
	LastExtruderTemp *float64
}

func newState() State {
	return State{CurrentTool: NoTool, CurrentFilament: NoTool}
}

// HasTool reports whether a tool is selected.
func (s State) HasTool() bool {
	return s.CurrentTool != NoTool
}

// HasFilament reports whether a filament is tracked in the shared path.
func (s State) HasFilament() bool {
	return s.CurrentFilament != NoTool
}

// Stats are the tool change counters reported by MMU_STATUS.
type Stats struct {
	MaterialChanges   int
	SuccessfulChanges int
	Fails             int
	Cuts              int
}

func toolString(t int) string {
	if t == NoTool {
		return "None"
	}
	return strconv.Itoa(t)
}

func (m *MMU) snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.state
	if s.LastExtruderTemp != nil {
		t := *s.LastExtruderTemp
		s.LastExtruderTemp = &t
	}
	return s
}

// State returns a copy of the current state. Safe for concurrent use.
func (m *MMU) State() State {
	return m.snapshot()
}

// Stats returns a copy of the counters. Safe for concurrent use.
func (m *MMU) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *MMU) currentTool() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.CurrentTool
}

func (m *MMU) currentFilament() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.CurrentFilament
}

func (m *MMU) isHomed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Homed
}

func (m *MMU) isPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Paused
}

func (m *MMU) update(fn func(s *State)) {
	m.mu.Lock()
	fn(&m.state)
	s := m.state
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetState(s.CurrentTool, s.CurrentFilament, s.Homed, s.Paused)
	}
}

func (m *MMU) setTool(t int) {
	m.update(func(s *State) { s.CurrentTool = t })
}

func (m *MMU) setFilament(t int) {
	m.update(func(s *State) { s.CurrentFilament = t })
}

func (m *MMU) setHomed(b bool) {
	m.update(func(s *State) { s.Homed = b })
}

func (m *MMU) countStat(fn func(st *Stats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.stats)
}
