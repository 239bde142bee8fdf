// MMU3 unload pipeline
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
	unloadExtruderScript = `G91
G92 E0
G1 E-20 F500
G1 E-30 F3000
G90
G92 E0
G4 P1000`
	retryUnloadScript = `G91
G92 E0
G1 E10 F500
G1 E-20 F500
G1 E-30 F3000
G92 E0
G90`
)

// RetryUnloadFilamentInExtruder wiggles the extruder gear to free a
// misaligned filament. It refuses on a cold hotend without pausing.
func (m *MMU) RetryUnloadFilamentInExtruder(ctx context.Context) error {
	const op = "retry_unload_filament_in_extruder"
	present, err := m.filamentInExtruder(ctx)
	if err != nil || !present {
		return err
	}

	m.display(ctx, "Retry unloading ....")
	if m.isPaused() {
		m.display(ctx, "MMU is paused")
		return herrors.MMUPausedError(op)
	}
	if cur := m.extruderTemp(); cur < m.cfg.MinTempExtruder {
		m.display(ctx, "Hotend is too cold")
		return herrors.MMUHotendColdError(op, cur, m.cfg.MinTempExtruder)
	}
	m.display(ctx, "Unloading Filament...")
	return m.script(ctx, retryUnloadScript)
}

// UnloadFilamentInExtruder retracts the filament out of the extruder gear
// without ramming and pauses if the sensor still sees it.
func (m *MMU) UnloadFilamentInExtruder(ctx context.Context) error {
	const op = "unload_filament_in_extruder"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	if err := m.ValidateHotendIsHotEnough(ctx); err != nil {
		return err
	}
	present, err := m.filamentInExtruder(ctx)
	if err != nil {
		return err
	}
	if !present {
		m.display(ctx, "No filament in extruder")
		return nil
	}
	if err := m.autoUnselect(ctx, false); err != nil {
		return err
	}

	m.display(ctx, "Unloading Filament...")
	if err := m.script(ctx, unloadExtruderScript); err != nil {
		return err
	}
	if present, err = m.filamentInExtruder(ctx); err != nil {
		return err
	}
	if present {
		_, attempts, err := Retry(ctx, m.cfg.UnloadRetry, func(ctx context.Context, _ int) (bool, error) {
			if err := m.RetryUnloadFilamentInExtruder(ctx); err != nil {
				return false, err
			}
			present, err := m.filamentInExtruder(ctx)
			return !present, err
		})
		m.recordRetry("extruder_unload", attempts)
		if err != nil {
			return err
		}
	}

	if err := m.ValidateFilamentNotStuckInExtruder(ctx); err != nil {
		return err
	}
	m.display(ctx, "Filament removed")
	return nil
}

// UnloadFilamentToFindaInLoop retracts until the FINDA clears, at most
// finda_unload_retry times, and pauses when it never does.
func (m *MMU) UnloadFilamentToFindaInLoop(ctx context.Context) error {
	if err := m.guardPaused("unload_filament_to_finda_in_loop"); err != nil {
		return err
	}
	return m.unloadToFindaInLoop(ctx)
}

func (m *MMU) unloadToFindaInLoop(ctx context.Context) error {
	outcome, attempts, err := Retry(ctx, m.cfg.FindaUnloadRetry, func(ctx context.Context, i int) (bool, error) {
		if err := m.pulley.setPosition(ctx, 0); err != nil {
			return false, err
		}
		if _, err := m.pulley.homingMove(ctx, -m.cfg.FindaUnloadLength,
			m.cfg.FindaUnloadSpeed, m.cfg.FindaUnloadAccel, false, false); err != nil {
			return false, err
		}
		present, err := m.filamentInFinda(ctx)
		if err != nil {
			return false, err
		}
		if !present {
			m.display(ctx, "FINDA endstop triggered. Exiting filament unload.")
			return true, nil
		}
		m.displayf(ctx, "FINDA endstop not triggered. Retrying... %d", i)
		return false, nil
	})
	m.recordRetry("finda_unload", attempts)
	if err != nil {
		return err
	}
	if outcome == Exhausted {
		m.displayf(ctx, "Couldn't unload filament to FINDA after %d tries!", m.cfg.FindaUnloadRetry)
		m.pauseAfterFailure(ctx)
		return herrors.MMURetryExhaustedError("unload_filament_to_finda_in_loop", attempts)
	}
	return nil
}

// UnloadFilamentFromFinda retracts the filament out of the FINDA and clears
// the resident filament.
func (m *MMU) UnloadFilamentFromFinda(ctx context.Context) error {
	const op = "unload_filament_from_finda"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	if err := m.autoSelect(ctx, op, "Cannot unload from FINDA, tool not selected !!"); err != nil {
		return err
	}

	m.display(ctx, "Unloading filament from FINDA ...")
	if err := m.pulley.setPosition(ctx, 0); err != nil {
		return err
	}
	if err := m.pulley.move(ctx, -m.cfg.FindaUnloadLength, m.cfg.FindaUnloadSpeed, m.cfg.FindaUnloadAccel); err != nil {
		return err
	}
	if err := m.pulley.setPosition(ctx, 0); err != nil {
		return err
	}
	if err := m.pulley.disable(ctx); err != nil {
		return err
	}
	if err := m.ValidateFilamentNotStuckInFinda(ctx); err != nil {
		return err
	}
	m.setFilament(NoTool)
	m.display(ctx, "Unloading done from FINDA")
	return nil
}

// UnloadFilamentFromExtruderToFinda pulls the filament back through the
// bowden tube until the FINDA clears.
func (m *MMU) UnloadFilamentFromExtruderToFinda(ctx context.Context) error {
	const op = "unload_filament_from_extruder_to_finda"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	if err := m.autoSelect(ctx, op, "Cannot unload from extruder to FINDA, tool not selected !!"); err != nil {
		return err
	}

	m.display(ctx, "Unloading filament from extruder to FINDA ...")
	if err := m.pulley.setPosition(ctx, 0); err != nil {
		return err
	}
	if m.cfg.NoSelectorMode {
		if err := m.pulley.move(ctx, -m.cfg.BowdenUnloadLength, m.cfg.BowdenUnloadSpeed, m.cfg.BowdenUnloadAccel); err != nil {
			return err
		}
	} else {
		if _, err := m.pulley.homingMove(ctx, -m.cfg.BowdenUnloadLength,
			m.cfg.BowdenUnloadSpeed, m.cfg.BowdenUnloadAccel, false, false); err != nil {
			return err
		}
		present, err := m.filamentInFinda(ctx)
		if err != nil {
			return err
		}
		if present {
			if err := m.unloadToFindaInLoop(ctx); err != nil {
				return err
			}
		}
		if err := m.ValidateFilamentNotStuckInFinda(ctx); err != nil {
			return err
		}
	}
	if err := m.pulley.disable(ctx); err != nil {
		return err
	}
	m.display(ctx, "Done unloading from FINDA!")
	return nil
}

// UnloadFilamentFromExtruder returns the filament from the extruder gear to
// the MMU. In no-selector mode clearing the bowden tube is enough.
func (m *MMU) UnloadFilamentFromExtruder(ctx context.Context) error {
	const op = "unload_filament_from_extruder"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	if err := m.autoSelect(ctx, op, "Cannot unload from extruder to MMU, tool not selected !!"); err != nil {
		return err
	}

	m.display(ctx, "Unloading filament from extruder to MMU ...")
	if err := m.UnloadFilamentFromExtruderToFinda(ctx); err != nil {
		return err
	}
	if m.cfg.NoSelectorMode {
		m.setFilament(NoTool)
	} else if err := m.UnloadFilamentFromFinda(ctx); err != nil {
		return err
	}
	m.display(ctx, "Unloading done from extruder to MMU")
	return nil
}
