// check-config subcommand
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"klipper-mmu/pkg/log"
	"klipper-mmu/pkg/mmu"
	"klipper-mmu/pkg/sim"
)

var warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

// CheckConfigCommand parses the [mmu3] section and, when given, the
// scenario, then prints the effective settings.
type CheckConfigCommand struct {
	Strict bool `long:"strict" description:"Fail on unknown options in accessed sections"`
}

func (c *CheckConfigCommand) Execute(args []string) error {
	return checkConfig(&opts.GlobalOptions, c.Strict, os.Stdout)
}

func checkConfig(g *GlobalOptions, strict bool, w io.Writer) error {
	logger := log.GetLogger("config")

	cfg, file, err := loadConfig(g.Config)
	if err != nil {
		return err
	}
	if file != nil {
		if err := file.CheckUnusedOptions(); err != nil {
			if strict {
				return err
			}
			logger.Warn().Err(err).Msg("unused options")
			fmt.Fprintln(w, warnStyle.Render("warning: "+err.Error()))
		}
		if other := file.GetUnusedSections(); len(other) > 0 {
			fmt.Fprintln(w, dimStyle.Render("not used by the MMU: "+strings.Join(other, ", ")))
		}
	}

	var simOpts []sim.Option
	if g.Scenario != "" {
		sc, err := sim.LoadScenario(g.Scenario)
		if err != nil {
			return err
		}
		simOpts = append(simOpts, sim.WithScenario(sc))
	}
	if _, err := sim.New(cfg, simOpts...); err != nil {
		return err
	}

	source := g.Config
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Fprintln(w, headerStyle.Render("["+mmu.SectionName+"] from "+source))
	fmt.Fprintln(w, configTable(cfg).Render())
	return nil
}

func configTable(cfg mmu.Config) *table.Table {
	floats := func(v []float64) string {
		parts := make([]string, len(v))
		for i, f := range v {
			parts[i] = fmt.Sprintf("%g", f)
		}
		return strings.Join(parts, ", ")
	}
	rows := [][]string{
		{"number_of_tools", fmt.Sprintf("%d", cfg.NumberOfTools)},
		{"enable_no_selector_mode", fmt.Sprintf("%t", cfg.NoSelectorMode)},
		{"bowden_load_length", fmt.Sprintf("%g + %g", cfg.BowdenLoadLength1, cfg.BowdenLoadLength2)},
		{"bowden_unload_length", fmt.Sprintf("%g", cfg.BowdenUnloadLength)},
		{"finda_load_length", fmt.Sprintf("%g", cfg.FindaLoadLength)},
		{"finda_unload_length", fmt.Sprintf("%g", cfg.FindaUnloadLength)},
		{"idler_positions", floats(cfg.IdlerPositions)},
		{"selector_positions", floats(cfg.SelectorPositions)},
		{"min_temp_extruder", fmt.Sprintf("%g", cfg.MinTempExtruder)},
		{"extruder_eject_temp", fmt.Sprintf("%g", cfg.ExtruderEjectTemp)},
		{"load_retry / unload_retry", fmt.Sprintf("%d / %d", cfg.LoadRetry, cfg.UnloadRetry)},
		{"timeout_pause", fmt.Sprintf("%ds", cfg.TimeoutPause)},
		{"ramming_macro", cfg.RammingMacro},
	}
	keyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Option", "Value").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle.Padding(0, 1)
			case col == 0:
				return keyStyle
			default:
				return cellStyle
			}
		})
}
