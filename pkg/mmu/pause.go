// Pause, resume and unlock
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"context"
	"fmt"

	"klipper-mmu/pkg/reactor"
)

func (m *MMU) pauseScript() string {
	return fmt.Sprintf(`SAVE_GCODE_STATE NAME=PAUSE_MMU_state
SET_IDLE_TIMEOUT TIMEOUT=%d
M118 Start PAUSE
PAUSE
G90
G1 X%g Y%g F3000
M300
M300
M300`, m.cfg.TimeoutPause, m.cfg.PausePosition[0], m.cfg.PausePosition[1])
}

const resumeScript = `M118 End PAUSE
RESTORE_GCODE_STATE NAME=PAUSE_MMU_state`

// Pause captures the hotend temperature, sets the paused flag and parks the
// print. Only UnlockMMU clears the flag.
func (m *MMU) Pause(ctx context.Context) error {
	temp := m.extruderTemp()
	m.update(func(s *State) {
		s.LastExtruderTemp = &temp
		s.Paused = true
	})
	m.countStat(func(st *Stats) { st.Fails++ })
	if m.metrics != nil {
		m.metrics.Pauses.Inc(nil)
	}
	m.logger.Warn().Float64("extruder_temp", temp).Msg("MMU paused")
	m.armHeaterTimer()
	return m.script(ctx, m.pauseScript())
}

// pauseAfterFailure pauses on behalf of a failed stage. The stage's own
// error is what the caller reports, so a failing pause script is only logged.
func (m *MMU) pauseAfterFailure(ctx context.Context) {
	if err := m.Pause(ctx); err != nil {
		m.logger.Error().Err(err).Msg("pause script failed")
	}
}

// Resume hands control back to the print resume macro. It does not clear
// the paused flag.
func (m *MMU) Resume(ctx context.Context) error {
	return m.script(ctx, resumeScript)
}

// Unlock clears the paused flag and re-homes the idler so the filament can
// be cleared by hand.
func (m *MMU) Unlock(ctx context.Context) error {
	m.display(ctx, "Resume print")
	m.update(func(s *State) { s.Paused = false })
	m.disarmHeaterTimer()
	return m.HomeIdler(ctx)
}

func (m *MMU) armHeaterTimer() {
	if m.timers == nil {
		return
	}
	m.timers.UpdateTimer(m.heaterTimer, m.timers.Monotonic()+float64(m.cfg.DisableHeater))
}

func (m *MMU) disarmHeaterTimer() {
	if m.timers == nil {
		return
	}
	m.timers.UpdateTimer(m.heaterTimer, reactor.NEVER)
}

// heaterTimeout turns the hotend off when the MMU has stayed paused for
// disable_heater seconds.
func (m *MMU) heaterTimeout(eventtime float64) float64 {
	if !m.isPaused() {
		return reactor.NEVER
	}
	ctx := context.Background()
	m.respond(ctx, fmt.Sprintf("Paused for %ds, disabling hotend heater", m.cfg.DisableHeater))
	if err := m.script(ctx, "M104 S0"); err != nil {
		m.logger.Error().Err(err).Msg("heater shutdown failed")
	}
	return reactor.NEVER
}
