// MMU3 load pipeline
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"context"

	herrors "klipper-mmu/pkg/errors"
)

const (
	loadPurgeScript = `G1 E3 F1800
G1 E4 F1393
G1 E3 F614
G92 E0
G90`
	retryLoadPurgeScript = `G1 E2 F1800
G1 E3 F1393
G1 E2 F614
G92 E0
G90`
)

// LoadFilamentToFindaInLoop feeds the selected lane toward the FINDA until
// it triggers, at most finda_load_retry times, and pauses when it never does.
func (m *MMU) LoadFilamentToFindaInLoop(ctx context.Context) error {
	if err := m.guardPaused("load_filament_to_finda_in_loop"); err != nil {
		return err
	}
	return m.loadToFindaInLoop(ctx)
}

func (m *MMU) loadToFindaInLoop(ctx context.Context) error {
	outcome, attempts, err := Retry(ctx, m.cfg.FindaLoadRetry, func(ctx context.Context, i int) (bool, error) {
		if err := m.pulley.setPosition(ctx, 0); err != nil {
			return false, err
		}
		if _, err := m.pulley.homingMove(ctx, m.cfg.FindaLoadLength,
			m.cfg.FindaLoadSpeed, m.cfg.FindaLoadAccel, true, false); err != nil {
			return false, err
		}
		present, err := m.filamentInFinda(ctx)
		if err != nil {
			return false, err
		}
		if present {
			m.display(ctx, "FINDA endstop triggered. Exiting filament load.")
			return true, nil
		}
		m.displayf(ctx, "FINDA endstop not triggered. Retrying... %d", i)
		return false, nil
	})
	m.recordRetry("finda_load", attempts)
	if err != nil {
		return err
	}
	if outcome == Exhausted {
		m.displayf(ctx, "Couldn't load filament to FINDA after %d tries!", m.cfg.FindaLoadRetry)
		m.pauseAfterFailure(ctx)
		return herrors.MMURetryExhaustedError("load_filament_to_finda_in_loop", attempts)
	}
	return nil
}

// LoadFilamentToFinda loads the selected lane to the FINDA and marks it as
// the resident filament.
func (m *MMU) LoadFilamentToFinda(ctx context.Context) error {
	const op = "load_filament_to_finda"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	m.debugState(ctx, op)
	tool := m.currentTool()
	if tool == NoTool {
		m.display(ctx, "Cannot load to FINDA, tool not selected !!")
		return herrors.MMUNoToolError(op, "tool selected")
	}

	m.display(ctx, "Loading filament to FINDA ...")
	if err := m.loadToFindaInLoop(ctx); err != nil {
		return err
	}
	if err := m.pulley.setPosition(ctx, 0); err != nil {
		return err
	}
	if err := m.pulley.disable(ctx); err != nil {
		return err
	}
	if err := m.ValidateFilamentInFinda(ctx); err != nil {
		return err
	}
	m.setFilament(tool)
	m.display(ctx, "Loading done to FINDA")
	m.debugState(ctx, op)
	return nil
}

// LoadFilamentFromFindaToExtruder pushes the filament through the bowden
// tube in a fast and a slow phase, ending at the extruder gear.
func (m *MMU) LoadFilamentFromFindaToExtruder(ctx context.Context) error {
	const op = "load_filament_from_finda_to_extruder"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	if m.currentTool() == NoTool {
		m.display(ctx, "Cannot load to extruder, tool not selected !!")
		return herrors.MMUNoToolError(op, "tool selected")
	}

	m.display(ctx, "Loading filament from FINDA to extruder ...")
	phases := []struct{ length, speed, accel float64 }{
		{m.cfg.BowdenLoadLength1, m.cfg.BowdenLoadSpeed1, m.cfg.BowdenLoadAccel1},
		{m.cfg.BowdenLoadLength2, m.cfg.BowdenLoadSpeed2, m.cfg.BowdenLoadAccel2},
	}
	for _, p := range phases {
		if err := m.pulley.setPosition(ctx, 0); err != nil {
			return err
		}
		if err := m.pulley.move(ctx, p.length, p.speed, p.accel); err != nil {
			return err
		}
	}
	if err := m.pulley.disable(ctx); err != nil {
		return err
	}
	m.display(ctx, "Loading done from FINDA to extruder")
	return nil
}

// LoadFilamentToExtruder loads the selected lane from the MMU to the
// extruder gear.
func (m *MMU) LoadFilamentToExtruder(ctx context.Context) error {
	const op = "load_filament_to_extruder"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	tool := m.currentTool()
	if tool == NoTool {
		m.display(ctx, "Cannot load to extruder, tool not selected !!")
		return herrors.MMUNoToolError(op, "tool selected")
	}

	m.display(ctx, "Loading filament from MMU to extruder ...")
	if !m.cfg.NoSelectorMode {
		if err := m.LoadFilamentToFinda(ctx); err != nil {
			return err
		}
	}
	if err := m.LoadFilamentFromFindaToExtruder(ctx); err != nil {
		return err
	}
	if m.cfg.NoSelectorMode {
		// No FINDA stage marked the lane.
		m.setFilament(tool)
	}
	m.display(ctx, "Loading done from MMU to extruder")
	return nil
}

// RetryLoadFilamentInExtruder re-pushes the filament 10mm with the pulley
// while the extruder gear pulls. It refuses on a cold hotend without
// pausing.
func (m *MMU) RetryLoadFilamentInExtruder(ctx context.Context) error {
	const op = "retry_load_filament_in_extruder"
	present, err := m.filamentInExtruder(ctx)
	if err != nil || present {
		return err
	}

	m.display(ctx, "Retry loading ...")
	if m.isPaused() {
		m.display(ctx, "Printer is paused ...")
		return herrors.MMUPausedError(op)
	}
	if cur := m.extruderTemp(); cur < m.cfg.MinTempExtruder {
		m.display(ctx, "Hotend is not hot enough ...")
		return herrors.MMUHotendColdError(op, cur, m.cfg.MinTempExtruder)
	}
	filament := m.currentFilament()
	if filament == NoTool {
		return herrors.MMUNoToolError(op, "filament loaded")
	}

	m.display(ctx, "Loading Filament...")
	if err := m.script(ctx, "G91"); err != nil {
		return err
	}
	if err := m.SelectTool(ctx, filament); err != nil {
		return err
	}
	if err := m.pulley.setPosition(ctx, 0); err != nil {
		return err
	}
	if err := m.pulley.moveDefault(ctx, 10); err != nil {
		return err
	}
	if err := m.pulley.setPosition(ctx, 0); err != nil {
		return err
	}
	if err := m.pulley.disable(ctx); err != nil {
		return err
	}
	if err := m.script(ctx, "G1 E5 F600"); err != nil {
		return err
	}
	if err := m.UnselectTool(ctx); err != nil {
		return err
	}
	return m.script(ctx, retryLoadPurgeScript)
}

// LoadFilamentInExtruder hands the filament from the pulley to the extruder
// gear and purges. Slip is corrected with up to load_retry short pushes;
// the result is then validated, pausing if the sensor still sees nothing,
// also when a correction push itself failed.
func (m *MMU) LoadFilamentInExtruder(ctx context.Context) error {
	const op = "load_filament_in_extruder"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	if err := m.ValidateHotendIsHotEnough(ctx); err != nil {
		return err
	}
	m.debugState(ctx, op)

	m.display(ctx, "Loading Filament...")
	if err := m.script(ctx, "G91"); err != nil {
		return err
	}
	if err := m.pulley.setPosition(ctx, 0); err != nil {
		return err
	}
	if err := m.pulley.move(ctx, 20, m.cfg.IdlerLoadToExtruderSpeed, m.hw.Pulley.Accel()); err != nil {
		return err
	}
	if err := m.pulley.setPosition(ctx, 0); err != nil {
		return err
	}
	if err := m.pulley.disable(ctx); err != nil {
		return err
	}
	if err := m.script(ctx, "G1 E10 F600"); err != nil {
		return err
	}
	if err := m.UnselectTool(ctx); err != nil {
		return err
	}
	if err := m.script(ctx, loadPurgeScript); err != nil {
		return err
	}

	present, err := m.filamentInExtruder(ctx)
	if err != nil {
		return err
	}
	if !present {
		_, attempts, err := Retry(ctx, m.cfg.LoadRetry, func(ctx context.Context, _ int) (bool, error) {
			if err := m.RetryLoadFilamentInExtruder(ctx); err != nil {
				return false, err
			}
			return m.filamentInExtruder(ctx)
		})
		m.recordRetry("extruder_load", attempts)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			// The sensor check below decides; it pauses when the
			// filament never reached the extruder.
			m.logger.Warn().Err(err).Fields(herrors.Fields(err)).Int("attempts", attempts).
				Msg("extruder load correction failed")
		}
	}

	m.debugState(ctx, op)
	if err := m.ValidateFilamentInExtruder(ctx); err != nil {
		return err
	}
	m.display(ctx, "Load Complete")
	return nil
}
