// MMU3 G-code commands
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"context"
	"fmt"
	"strings"

	"klipper-mmu/pkg/gcode"
)

type command struct {
	name string
	help string
	run  func(ctx context.Context, cmd *gcode.Command) error
}

// simple adapts an operation that takes no parameters.
func simple(fn func(context.Context) error) func(context.Context, *gcode.Command) error {
	return func(ctx context.Context, _ *gcode.Command) error { return fn(ctx) }
}

func (m *MMU) commands() []command {
	cmds := []command{
		{"HOME_IDLER", "Home the MMU idler", simple(m.HomeIdler)},
		{"HOME_MMU", "Eject filament if loaded, then home the MMU", simple(m.HomeMMU)},
		{"HOME_MMU_ONLY", "Home idler and selector and test the gear", simple(m.HomeMMUOnly)},
		{"ENDSTOPS_STATUS", "Report extruder sensor, FINDA and selector endstop", m.cmdEndstopsStatus},
		{"MMU_STATUS", "Report MMU state and statistics", m.cmdStatus},
		{"PAUSE_MMU", "Pause the print for manual intervention", simple(m.Pause)},
		{"RESUME_MMU", "Resume the print after a pause", simple(m.Resume)},
		{"UNLOCK_MMU", "Clear the MMU pause and release the idler", simple(m.Unlock)},
		{"SELECT_TOOL", "Select tool VALUE", m.withTool(m.SelectTool)},
		{"UNSELECT_TOOL", "Park the idler", simple(m.UnselectTool)},
		{"LT", "Load tool VALUE into the nozzle", m.withTool(m.LoadTool)},
		{"UT", "Unload the current tool", simple(m.UnloadTool)},
		{"M702", "Unload filament and park the idler", simple(m.M702)},
		{"LOAD_FILAMENT_TO_FINDA_IN_LOOP", "Feed filament until the FINDA triggers", simple(m.LoadFilamentToFindaInLoop)},
		{"UNLOAD_FILAMENT_TO_FINDA_IN_LOOP", "Retract filament until the FINDA clears", simple(m.UnloadFilamentToFindaInLoop)},
		{"LOAD_FILAMENT_TO_FINDA", "Load the selected filament to the FINDA", simple(m.LoadFilamentToFinda)},
		{"LOAD_FILAMENT_FROM_FINDA_TO_EXTRUDER", "Push filament through the bowden tube", simple(m.LoadFilamentFromFindaToExtruder)},
		{"LOAD_FILAMENT_TO_EXTRUDER", "Load filament from the MMU to the extruder gear", simple(m.LoadFilamentToExtruder)},
		{"LOAD_FILAMENT_IN_EXTRUDER", "Load filament into the nozzle", simple(m.LoadFilamentInExtruder)},
		{"RETRY_LOAD_FILAMENT_IN_EXTRUDER", "Re-push filament into the extruder gear", simple(m.RetryLoadFilamentInExtruder)},
		{"UNLOAD_FILAMENT_IN_EXTRUDER", "Retract filament out of the extruder without ramming", simple(m.UnloadFilamentInExtruder)},
		{"RETRY_UNLOAD_FILAMENT_IN_EXTRUDER", "Wiggle the extruder gear to free filament", simple(m.RetryUnloadFilamentInExtruder)},
		{"UNLOAD_FILAMENT_IN_EXTRUDER_WITH_RAMMING", "Ram and retract filament out of the extruder", simple(m.UnloadFilamentInExtruderWithRamming)},
		{"UNLOAD_FILAMENT_FROM_FINDA", "Retract filament out of the FINDA", simple(m.UnloadFilamentFromFinda)},
		{"UNLOAD_FILAMENT_FROM_EXTRUDER_TO_FINDA", "Retract filament through the bowden tube", simple(m.UnloadFilamentFromExtruderToFinda)},
		{"UNLOAD_FILAMENT_FROM_EXTRUDER", "Return filament from the extruder gear to the MMU", simple(m.UnloadFilamentFromExtruder)},
		{"EJECT_RAMMING", "Ram the filament out and return it to the MMU", simple(m.EjectRamming)},
		{"EJECT_FROM_EXTRUDER", "Preheat and ram the filament out of the extruder", simple(m.EjectFromExtruder)},
		{"EJECT_BEFORE_HOME", "Empty the filament path", simple(m.EjectBeforeHome)},
	}
	for i := 0; i < m.cfg.NumberOfTools; i++ {
		tool := i
		cmds = append(cmds,
			command{fmt.Sprintf("T%d", tool), fmt.Sprintf("Change to tool %d", tool),
				func(ctx context.Context, _ *gcode.Command) error { return m.ChangeTool(ctx, tool) }},
			command{fmt.Sprintf("K%d", tool), fmt.Sprintf("Cut filament of tool %d", tool),
				func(ctx context.Context, _ *gcode.Command) error { return m.CutFilament(ctx, tool) }},
		)
	}
	return cmds
}

func (m *MMU) withTool(fn func(context.Context, int) error) func(context.Context, *gcode.Command) error {
	return func(ctx context.Context, cmd *gcode.Command) error {
		id, err := cmd.GetInt("VALUE")
		if err != nil {
			return err
		}
		return fn(ctx, id)
	}
}

// Register installs the MMU commands on d. Messages of a command go back to
// whoever issued it.
func (m *MMU) Register(d *gcode.Dispatcher) {
	for _, c := range m.commands() {
		d.Register(c.name, m.handler(c), c.help)
	}
}

// Commands returns the names Register installs.
func (m *MMU) Commands() []string {
	cmds := m.commands()
	names := make([]string, len(cmds))
	for i, c := range cmds {
		names[i] = c.name
	}
	return names
}

func (m *MMU) handler(c command) gcode.Handler {
	op := strings.ToLower(c.name)
	return func(ctx context.Context, cmd *gcode.Command) error {
		if m.metrics != nil {
			defer m.metrics.TimeOperation(op)()
		}
		ctx = WithResponder(ctx, cmd)
		err := c.run(ctx, cmd)
		if err != nil {
			m.logger.Debug().Err(err).Str("cmd", c.name).Msg("command failed")
		}
		return err
	}
}

func (m *MMU) cmdEndstopsStatus(ctx context.Context, _ *gcode.Command) error {
	extruder, err := m.filamentInExtruder(ctx)
	if err != nil {
		return err
	}
	printTime := m.hw.Toolhead.LastMoveTime()
	finda, err := m.hw.Finda.Query(ctx, printTime)
	if err != nil {
		return err
	}
	selector := "n/a"
	if m.hw.SelectorEndstop != nil {
		hit, err := m.hw.SelectorEndstop.Query(ctx, printTime)
		if err != nil {
			return err
		}
		selector = boolString(hit)
	}
	m.respond(ctx, "Endstop status")
	m.respond(ctx, "==============")
	m.respondf(ctx, "Extruder : %s", boolString(extruder))
	m.respondf(ctx, "FINDA : %s", boolString(finda))
	m.respondf(ctx, "Selector : %s", selector)
	return nil
}

func (m *MMU) cmdStatus(ctx context.Context, _ *gcode.Command) error {
	for _, line := range m.Status().Lines() {
		m.respond(ctx, line)
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
