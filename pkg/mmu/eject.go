// MMU3 eject and ramming
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"context"
	"fmt"

	herrors "klipper-mmu/pkg/errors"
)

// UnloadFilamentInExtruderWithRamming runs the ramming macro to shape the
// filament tip, then retracts it out of the extruder.
func (m *MMU) UnloadFilamentInExtruderWithRamming(ctx context.Context) error {
	const op = "unload_filament_in_extruder_with_ramming"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	if err := m.ValidateHotendIsHotEnough(ctx); err != nil {
		return err
	}
	if err := m.autoUnselect(ctx, true); err != nil {
		return err
	}

	m.display(ctx, "Ramming and Unloading Filament...")
	if err := m.script(ctx, m.cfg.RammingMacro); err != nil {
		return err
	}
	if err := m.UnloadFilamentInExtruder(ctx); err != nil {
		return err
	}
	m.display(ctx, "Filament rammed and removed")
	return nil
}

// EjectRamming rams the resident filament out of the nozzle and routes it
// back into the MMU.
func (m *MMU) EjectRamming(ctx context.Context) error {
	const op = "eject_ramming"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	filament := m.currentFilament()
	if filament == NoTool {
		return herrors.MMUNoToolError(op, "filament loaded")
	}

	m.displayf(ctx, "UT %d ...", filament)
	if err := m.UnloadFilamentInExtruderWithRamming(ctx); err != nil {
		return err
	}
	if err := m.SelectTool(ctx, filament); err != nil {
		return err
	}
	return m.UnloadFilamentFromExtruder(ctx)
}

// EjectFromExtruder preheats to at least extruder_eject_temp, rams the
// filament out of the extruder and turns the heater off. Nothing happens
// when the extruder is empty.
func (m *MMU) EjectFromExtruder(ctx context.Context) error {
	if err := m.guardPaused("eject_from_extruder"); err != nil {
		return err
	}
	present, err := m.filamentInExtruder(ctx)
	if err != nil {
		return err
	}
	if !present {
		m.display(ctx, "Filament not in extruder")
		return nil
	}

	m.display(ctx, "Filament in extruder, trying to eject it ...")
	m.display(ctx, "Preheat Nozzle")
	temp := max(m.extruderTemp(), m.cfg.ExtruderEjectTemp)
	if err := m.script(ctx, fmt.Sprintf("M109 S%.1f", temp)); err != nil {
		return err
	}
	if err := m.UnloadFilamentInExtruderWithRamming(ctx); err != nil {
		return err
	}
	return m.script(ctx, "M104 S0")
}

// EjectBeforeHome empties the extruder and the bowden tube so homing
// starts from a known empty path.
func (m *MMU) EjectBeforeHome(ctx context.Context) error {
	m.display(ctx, "Eject Filament if loaded ...")
	present, err := m.filamentInExtruder(ctx)
	if err != nil {
		return err
	}
	if present {
		if err := m.EjectFromExtruder(ctx); err != nil {
			return err
		}
		if err := m.ValidateFilamentNotStuckInExtruder(ctx); err != nil {
			return err
		}
	}

	if m.cfg.NoSelectorMode {
		m.display(ctx, "Filament already ejected !")
		return nil
	}
	inFinda, err := m.filamentInFinda(ctx)
	if err != nil {
		return err
	}
	if !inFinda {
		m.display(ctx, "Filament already ejected !")
		return nil
	}
	if err := m.UnloadFilamentFromExtruder(ctx); err != nil {
		return err
	}
	if err := m.ValidateFilamentNotStuckInFinda(ctx); err != nil {
		return err
	}
	m.display(ctx, "Filament ejected !")
	return nil
}
