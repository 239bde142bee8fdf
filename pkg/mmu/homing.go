// MMU3 homing
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"context"

	herrors "klipper-mmu/pkg/errors"
)

// HomeIdler drives the idler against its hard stop and parks it.
func (m *MMU) HomeIdler(ctx context.Context) error {
	m.display(ctx, "Homing idler")
	if err := m.idler.setPosition(ctx, 0); err != nil {
		return err
	}
	if err := m.idler.moveDefault(ctx, 7); err != nil {
		return err
	}
	if err := m.idler.moveDefault(ctx, -95); err != nil {
		return err
	}
	if err := m.idler.setPosition(ctx, 2); err != nil {
		return err
	}
	if err := m.idler.moveDefault(ctx, m.cfg.IdlerHomePosition); err != nil {
		return err
	}
	return m.idler.disable(ctx)
}

// HomeMMU empties the filament path and then homes the MMU. The extruder
// runout sensor is suspended for the duration. A failed eject restores the
// previous homed flag; a failed homing leaves the MMU unhomed.
func (m *MMU) HomeMMU(ctx context.Context) error {
	if m.isPaused() {
		m.display(ctx, "Homing MMU failed, MMU is paused, unlock it ...")
		return herrors.MMUPausedError("home_mmu")
	}
	m.debugState(ctx, "Start of home_mmu")

	restore := m.suspendSensors(ctx, false)
	defer restore()

	wasHomed := m.isHomed()
	// Ejecting needs tool selection, which requires the homed flag.
	m.setHomed(true)
	m.display(ctx, "Homing MMU ...")
	if err := m.EjectBeforeHome(ctx); err != nil {
		m.setHomed(wasHomed)
		return err
	}

	m.debugState(ctx, "Before home_mmu_only inside home_mmu")
	err := m.HomeMMUOnly(ctx)
	m.debugState(ctx, "After home_mmu_only inside home_mmu")
	if err != nil {
		m.setHomed(false)
	}
	return err
}

// HomeMMUOnly homes the idler and selector, clears tool tracking and
// exercises the gear by selecting and releasing tool 0.
func (m *MMU) HomeMMUOnly(ctx context.Context) error {
	if m.isPaused() {
		m.display(ctx, "Homing MMU failed, MMU is paused, unlock it ...")
		return herrors.MMUPausedError("home_mmu_only")
	}
	if err := m.homeMMUOnly(ctx); err != nil {
		m.setHomed(false)
		return err
	}
	return nil
}

func (m *MMU) homeMMUOnly(ctx context.Context) error {
	if err := m.HomeIdler(ctx); err != nil {
		return err
	}
	if !m.cfg.NoSelectorMode {
		if err := m.homeSelector(ctx); err != nil {
			return err
		}
	}

	m.update(func(s *State) {
		s.CurrentTool = NoTool
		s.CurrentFilament = NoTool
	})
	if err := m.idler.disable(ctx); err != nil {
		return err
	}

	m.display(ctx, "Move selector to filament 0")
	if err := m.selectTool(ctx, 0); err != nil {
		return err
	}
	if err := m.unselectTool(ctx); err != nil {
		return err
	}
	m.setHomed(true)
	m.display(ctx, "Homing MMU ended ...")

	return m.disableAll(ctx)
}

func (m *MMU) homeSelector(ctx context.Context) error {
	m.display(ctx, "Homing selector")
	if err := m.selector.setPosition(ctx, 0); err != nil {
		return err
	}
	if _, err := m.selector.homingMove(ctx, -m.cfg.SelectorHomingDistance,
		m.cfg.SelectorHomingSpeed, m.cfg.SelectorAccel, true, true); err != nil {
		return err
	}
	if err := m.selector.setPosition(ctx, 0); err != nil {
		return err
	}
	return m.selector.disable(ctx)
}
