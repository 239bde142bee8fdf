// MMU3 tool selection
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"context"

	herrors "klipper-mmu/pkg/errors"
)

// SelectTool moves the idler, and unless in no-selector mode the selector,
// to address tool id. The idler stays energized to hold the filament.
func (m *MMU) SelectTool(ctx context.Context, id int) error {
	if err := m.guardPaused("select_tool"); err != nil {
		return err
	}
	if !m.isHomed() {
		m.display(ctx, "Could not select tool, MMU is not homed")
		return herrors.MMUNotHomedError("select_tool")
	}
	if err := m.validTool("select_tool", id); err != nil {
		return err
	}
	return m.selectTool(ctx, id)
}

func (m *MMU) selectTool(ctx context.Context, id int) error {
	m.displayf(ctx, "Select Tool %d ...", id)
	if err := m.idler.moveDefault(ctx, m.cfg.IdlerPositions[id]); err != nil {
		return err
	}
	if !m.cfg.NoSelectorMode {
		if err := m.selector.move(ctx, m.cfg.SelectorPositions[id], m.cfg.SelectorSpeed, m.cfg.SelectorAccel); err != nil {
			return err
		}
		if err := m.selector.disable(ctx); err != nil {
			return err
		}
	}
	m.setTool(id)
	m.debugState(ctx, "select_tool")
	m.respondf(ctx, "Tool %d Enabled", id)
	return nil
}

// UnselectTool parks the idler and releases it.
func (m *MMU) UnselectTool(ctx context.Context) error {
	if err := m.guardPaused("unselect_tool"); err != nil {
		return err
	}
	if !m.isHomed() {
		m.display(ctx, "Could not unselect tool, MMU is not homed")
		return herrors.MMUNotHomedError("unselect_tool")
	}
	return m.unselectTool(ctx)
}

func (m *MMU) unselectTool(ctx context.Context) error {
	if tool := m.currentTool(); tool != NoTool {
		m.displayf(ctx, "Unselecting Tool T%d", tool)
	} else {
		m.respond(ctx, "Unselecting tool while Current Tool is None!")
	}
	if err := m.idler.moveDefault(ctx, m.cfg.IdlerHomePosition); err != nil {
		return err
	}
	m.setTool(NoTool)
	if err := m.idler.disable(ctx); err != nil {
		return err
	}
	m.debugState(ctx, "unselect_tool")
	m.display(ctx, "Unselect Tool is complete!")
	return nil
}

// autoSelect selects the tracked filament's lane when no tool is selected.
func (m *MMU) autoSelect(ctx context.Context, op, refusal string) error {
	if m.currentTool() != NoTool {
		return nil
	}
	if filament := m.currentFilament(); filament != NoTool {
		return m.SelectTool(ctx, filament)
	}
	m.display(ctx, refusal)
	return herrors.MMUNoToolError(op, "tool selected")
}

// autoUnselect parks the idler before the extruder pulls on the filament.
func (m *MMU) autoUnselect(ctx context.Context, displayed bool) error {
	tool := m.currentTool()
	if tool == NoTool {
		return nil
	}
	m.respondf(ctx, "Tool T%d selected!", tool)
	m.respond(ctx, "Auto unselecting it!")
	if displayed {
		m.displayf(ctx, "Auto unselecting T%d", tool)
	} else {
		m.respondf(ctx, "Auto unselecting T%d", tool)
	}
	return m.UnselectTool(ctx)
}
