// status subcommand
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	summaryStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
)

// StatusCommand renders the MMU status and the simulated lanes, optionally
// after running a setup script.
type StatusCommand struct {
	Home  bool `long:"home" description:"Home the MMU before rendering"`
	Quiet bool `short:"q" long:"quiet" description:"Hide console output of the setup script"`
}

func (c *StatusCommand) Execute(args []string) error {
	ctx := context.Background()
	h, err := newHost(&opts.GlobalOptions)
	if err != nil {
		return err
	}
	defer h.Close()
	if !c.Quiet {
		h.printer.Dispatcher().AddOutput(printLine)
	}

	var script []string
	if c.Home {
		script = append(script, "HOME_MMU")
	}
	script = append(script, args...)
	if len(script) > 0 {
		if _, err := runLines(ctx, h, strings.NewReader(strings.Join(script, "\n")), true); err != nil {
			return err
		}
	}
	return renderStatus(ctx, h, os.Stdout)
}

// renderStatus writes the MMU summary and one table row per lane.
func renderStatus(ctx context.Context, h *host, w io.Writer) error {
	st, err := h.Status(ctx)
	if err != nil {
		return err
	}
	tips, engaged, err := h.Lanes(ctx)
	if err != nil {
		return err
	}
	geo := h.printer.Path().Geometry()

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableHeaderStyle := headerStyle.Padding(0, 1)
	activeStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)

	rows := make([][]string, 0, len(tips))
	for i, tip := range tips {
		idler := ""
		if i == engaged {
			idler = "engaged"
		}
		loaded := ""
		if i == st.CurrentFilament {
			loaded = "*"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("%.1f", tip),
			geo.Where(tip),
			idler,
			loaded,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Lane", "Tip (mm)", "Section", "Idler", "Loaded").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if row >= 0 && row == st.CurrentFilament {
				return activeStyle
			}
			return cellStyle
		})

	fmt.Fprintln(w, headerStyle.Render("MMU3"))
	fmt.Fprintln(w, summaryStyle.Render(strings.Join(st.Lines(), "\n")))
	fmt.Fprintln(w, t.Render())
	return nil
}
