// Sensor validation helpers
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
	sensorExtruder = "extruder sensor"
	sensorFinda    = "FINDA"
)

// waitMoves joins the motion queue so sensors see the finished move.
func (m *MMU) waitMoves(ctx context.Context) error {
	if err := m.hw.Toolhead.WaitMoves(ctx); err != nil {
		return herrors.MMUActuatorError("wait_moves", "toolhead", err)
	}
	return nil
}

// filamentInExtruder reads the extruder IR sensor.
func (m *MMU) filamentInExtruder(ctx context.Context) (bool, error) {
	if err := m.waitMoves(ctx); err != nil {
		return false, err
	}
	return m.hw.Extruder.FilamentDetected(), nil
}

// filamentInFinda queries the FINDA at the current print time.
func (m *MMU) filamentInFinda(ctx context.Context) (bool, error) {
	if err := m.waitMoves(ctx); err != nil {
		return false, err
	}
	hit, err := m.hw.Finda.Query(ctx, m.hw.Toolhead.LastMoveTime())
	if err != nil {
		return false, herrors.MMUActuatorError("query", "finda", err)
	}
	return hit, nil
}

// check compares a sensor with the expected state and pauses on mismatch.
func (m *MMU) check(ctx context.Context, op, sensor string, expected bool, read func(context.Context) (bool, error),
	checking, mismatch, match string) error {
	m.display(ctx, checking)
	present, err := read(ctx)
	if err != nil {
		return err
	}
	if present != expected {
		m.display(ctx, mismatch)
		m.pauseAfterFailure(ctx)
		return herrors.MMUSensorMismatchError(op, sensor, expected)
	}
	m.display(ctx, match)
	return nil
}

// ValidateFilamentInExtruder pauses unless the extruder sensor sees filament.
func (m *MMU) ValidateFilamentInExtruder(ctx context.Context) error {
	return m.check(ctx, "validate_filament_in_extruder", sensorExtruder, true, m.filamentInExtruder,
		"Checking if filament in extruder", "Filament not in extruder", "Filament in extruder")
}

// ValidateFilamentNotStuckInExtruder pauses if the extruder sensor sees filament.
func (m *MMU) ValidateFilamentNotStuckInExtruder(ctx context.Context) error {
	return m.check(ctx, "validate_filament_not_stuck_in_extruder", sensorExtruder, false, m.filamentInExtruder,
		"Checking if filament stuck in extruder", "Filament stuck in extruder", "Filament not in extruder")
}

// ValidateFilamentInFinda pauses unless the FINDA sees filament.
func (m *MMU) ValidateFilamentInFinda(ctx context.Context) error {
	return m.check(ctx, "validate_filament_is_in_finda", sensorFinda, true, m.filamentInFinda,
		"Checking if filament in FINDA", "Filament not in FINDA", "Filament in FINDA")
}

// ValidateFilamentNotStuckInFinda pauses if the FINDA sees filament.
func (m *MMU) ValidateFilamentNotStuckInFinda(ctx context.Context) error {
	return m.check(ctx, "validate_filament_not_stuck_in_finda", sensorFinda, false, m.filamentInFinda,
		"Checking if filament stuck in FINDA", "Filament stuck in FINDA", "Filament not in FINDA")
}

// ValidateHotendIsHotEnough pauses if the hotend is below min_temp_extruder.
func (m *MMU) ValidateHotendIsHotEnough(ctx context.Context) error {
	m.display(ctx, "Checking if hotend is too cold")
	if cur := m.extruderTemp(); cur < m.cfg.MinTempExtruder {
		m.display(ctx, "Hotend is too cold")
		m.pauseAfterFailure(ctx)
		return herrors.MMUHotendColdError("validate_hotend_is_hot_enough", cur, m.cfg.MinTempExtruder)
	}
	return nil
}
