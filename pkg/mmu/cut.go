// MMU3 filament cutter
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"context"

	herrors "klipper-mmu/pkg/errors"
	"klipper-mmu/pkg/tmc"
)

// cutOverride drops the selector stall threshold and raises its current so
// the cutting move is not stopped by StallGuard.
func (m *MMU) cutOverride() tmc.Override {
	return tmc.Override{
		Stepper: m.cfg.SelectorStepperName,
		Active:  tmc.StallSettings{Threshold: 0, Current: m.cfg.CutStepperCurrent},
		Nominal: tmc.StallSettings{Threshold: uint32(m.cfg.SelectorSGTHRS), Current: m.cfg.SelectorRunCurrent},
	}
}

// CutFilament trims the tip of tool id's filament with the selector blade
// and re-homes the MMU.
func (m *MMU) CutFilament(ctx context.Context, id int) error {
	const op = "cut_filament"
	if err := m.guardPaused(op); err != nil {
		return err
	}
	if m.cfg.NoSelectorMode {
		m.display(ctx, "Cannot perform cut in 5in1 mode!")
		return herrors.MMUUnsupportedError(op, "cut needs the selector")
	}
	if err := m.validTool(op, id); err != nil {
		return err
	}
	override := m.cutOverride()
	if err := override.Validate(); err != nil {
		return herrors.Wrap(err, herrors.ErrConfigValidation, "invalid cut settings").SetStage(op)
	}

	m.displayf(ctx, "Cutting filament T%d ...", id)
	if err := m.UnloadTool(ctx); err != nil {
		m.display(ctx, "Apparently unload tool failed!")
		return err
	}
	if err := m.SelectTool(ctx, id); err != nil {
		return err
	}
	// A load/unload cycle leaves a tensioned filament end just behind the
	// FINDA.
	if err := m.LoadFilamentToFinda(ctx); err != nil {
		return err
	}
	if err := m.UnloadFilamentFromFinda(ctx); err != nil {
		return err
	}

	// Hold the filament with the idler and park the selector at the blade.
	if err := m.idler.moveDefault(ctx, m.cfg.IdlerPositions[id]); err != nil {
		return err
	}
	if err := m.selector.move(ctx, m.cfg.CutSelectorPosition, m.cfg.SelectorSpeed, m.cfg.SelectorAccel); err != nil {
		return err
	}
	if err := m.pulley.setPosition(ctx, 0); err != nil {
		return err
	}
	if err := m.pulley.moveDefault(ctx, m.cfg.CutFilamentLength+m.cfg.CuttingEdgeRetract); err != nil {
		return err
	}

	if err := m.cut(ctx, id, override); err != nil {
		return err
	}

	if err := m.pulley.setPosition(ctx, 0); err != nil {
		return err
	}
	if err := m.pulley.moveDefault(ctx, -m.cfg.CuttingEdgeRetract); err != nil {
		return err
	}
	if err := m.HomeMMU(ctx); err != nil {
		return err
	}

	m.countStat(func(st *Stats) { st.Cuts++ })
	if m.metrics != nil {
		m.metrics.Cuts.Inc(nil)
	}
	m.displayf(ctx, "Done cutting T%d!", id)
	return nil
}

// cut drives the selector across the filament with the override applied.
// Nominal driver settings are restored even when the move fails.
func (m *MMU) cut(ctx context.Context, id int, override tmc.Override) (err error) {
	if err := m.script(ctx, override.ApplyScript()); err != nil {
		return err
	}
	defer func() {
		if rerr := m.script(ctx, override.RestoreScript()); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return m.selector.move(ctx, m.cfg.SelectorPositions[id], m.cfg.SelectorHomingSpeed, 0)
}
