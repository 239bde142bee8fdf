// MMU3 tool change
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"context"
	"strconv"

	herrors "klipper-mmu/pkg/errors"
	"klipper-mmu/pkg/metrics"
)

// LoadTool selects tool id and loads its filament into the nozzle.
func (m *MMU) LoadTool(ctx context.Context, id int) error {
	const op = "load_tool"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	m.debugState(ctx, op)
	m.displayf(ctx, "LT %d", id)
	if err := m.SelectTool(ctx, id); err != nil {
		return err
	}
	if err := m.LoadFilamentToExtruder(ctx); err != nil {
		return err
	}
	m.debugState(ctx, op)
	return m.LoadFilamentInExtruder(ctx)
}

// UnloadTool returns the resident filament from the nozzle to the MMU.
//
// When no filament is tracked but the FINDA sees one, the selected tool is
// assumed to own it and nothing moves; the next unload or tool change
// starts from that lane. This is a best-effort recovery: the sensor cannot
// tell which lane the filament came from.
func (m *MMU) UnloadTool(ctx context.Context) error {
	const op = "unload_tool"
	if err := m.guardPaused(op); err != nil {
		return err
	}

	if m.currentFilament() == NoTool {
		m.display(ctx, "Current filament is None!")
		inFinda, err := m.filamentInFinda(ctx)
		if err != nil {
			return err
		}
		if !inFinda {
			m.display(ctx, "And no filament in FINDA")
			m.display(ctx, "No need to unload!")
			return nil
		}
		m.display(ctx, "Filament in FINDA!")
		m.respond(ctx, "But there is a filament in FINDA!")
		tool := m.currentTool()
		if tool == NoTool {
			m.display(ctx, "Current Tool is also None!")
			m.display(ctx, "Cancelling unload!!!")
			return herrors.MMUNoToolError(op, "tool selected to own the filament in FINDA")
		}
		m.displayf(ctx, "Current Tool is %d", tool)
		m.setFilament(tool)
		m.displayf(ctx, "Also setting Current filament to %d", tool)
		return nil
	}

	filament := m.currentFilament()
	m.displayf(ctx, "UT %d", filament)
	if err := m.UnloadFilamentInExtruder(ctx); err != nil {
		return err
	}
	if err := m.SelectTool(ctx, filament); err != nil {
		return err
	}
	return m.UnloadFilamentFromExtruder(ctx)
}

// suspendSensors disables the runout switch, and with motion set the
// encoder, returning a function that restores whatever was enabled.
func (m *MMU) suspendSensors(ctx context.Context, motion bool) (restore func()) {
	var switchSensor RunoutSensor
	var motionSensor MotionSensor
	if s := m.hw.SwitchSensor; s != nil && s.SensorEnabled() {
		m.respond(ctx, "Disabling filament runout sensor!")
		s.SetSensorEnabled(false)
		switchSensor = s
	}
	if s := m.hw.MotionSensor; motion && s != nil && s.SensorEnabled() {
		m.respond(ctx, "Disabling filament motion sensor!")
		s.SetSensorEnabled(false)
		motionSensor = s
	}
	return func() {
		if switchSensor != nil {
			m.respond(ctx, "Re-Enabling filament runout sensor!")
			switchSensor.SetSensorEnabled(true)
		}
		if motionSensor != nil {
			m.respond(ctx, "Re-Enabling filament motion sensor!")
			// Reset the runout window so the idle encoder does not trip.
			motionSensor.NotifyEvent(m.eventTime())
			motionSensor.SetSensorEnabled(true)
		}
	}
}

// ChangeTool unloads the current filament and loads tool id, with the
// runout and motion sensors suspended throughout. It does nothing when
// tool id's filament is already loaded.
func (m *MMU) ChangeTool(ctx context.Context, id int) error {
	const op = "change_tool"
	if err := m.validTool(op, id); err != nil {
		return err
	}
	m.displayf(ctx, "Requested tool %d", id)
	m.debugState(ctx, op)
	if m.currentFilament() == id {
		return nil
	}
	if err := m.guardPaused(op); err != nil {
		return err
	}
	m.displayf(ctx, "Change Tool T%d", id)

	m.countStat(func(st *Stats) { st.MaterialChanges++ })
	if m.metrics != nil {
		m.metrics.MaterialChanges.Inc(metrics.Labels{"tool": strconv.Itoa(id)})
	}

	if err := m.changeTool(ctx, id); err != nil {
		return err
	}

	m.countStat(func(st *Stats) { st.SuccessfulChanges++ })
	if m.metrics != nil {
		m.metrics.SuccessfulChanges.Inc(nil)
	}
	m.displayf(ctx, "Done T%d", id)
	return nil
}

func (m *MMU) changeTool(ctx context.Context, id int) error {
	restore := m.suspendSensors(ctx, true)
	defer restore()

	if err := m.UnloadTool(ctx); err != nil {
		m.respond(ctx, "Apparently unload tool failed!")
		m.debugState(ctx, "change_tool")
		return err
	}
	m.debugState(ctx, "change_tool")
	return m.LoadTool(ctx, id)
}

// M702 unloads the tool and parks the idler once the FINDA is clear.
func (m *MMU) M702(ctx context.Context) error {
	if err := m.UnloadTool(ctx); err != nil {
		return err
	}
	if m.cfg.NoSelectorMode {
		if err := m.UnselectTool(ctx); err != nil {
			return err
		}
		m.setFilament(NoTool)
		m.display(ctx, "M702 ok ...")
		return nil
	}
	inFinda, err := m.filamentInFinda(ctx)
	if err != nil {
		return err
	}
	if inFinda {
		m.display(ctx, "M702 Error !!!")
		return herrors.MMUSensorMismatchError("m702", sensorFinda, false)
	}
	if err := m.UnselectTool(ctx); err != nil {
		return err
	}
	m.display(ctx, "M702 ok ...")
	return nil
}
