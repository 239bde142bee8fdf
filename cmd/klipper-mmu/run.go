// run subcommand
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// RunCommand executes G-code lines given as arguments, from a file, or
// interactively from stdin.
type RunCommand struct {
	File      string `short:"f" long:"file" description:"G-code file to execute"`
	KeepGoing bool   `short:"k" long:"keep-going" description:"Continue after a failing line"`
	Status    bool   `long:"status" description:"Render the status table when done"`
}

func (c *RunCommand) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := newHost(&opts.GlobalOptions)
	if err != nil {
		return err
	}
	defer h.Close()
	h.printer.Dispatcher().AddOutput(printLine)

	var src io.Reader
	interactive := false
	switch {
	case c.File != "":
		f, err := os.Open(c.File)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	case len(args) > 0:
		src = strings.NewReader(strings.Join(args, "\n"))
	default:
		src = os.Stdin
		interactive = true
	}

	failed, err := runLines(ctx, h, src, c.KeepGoing || interactive)
	if err != nil {
		return err
	}
	if failed > 0 && !interactive {
		return fmt.Errorf("%d command(s) failed", failed)
	}

	if c.Status {
		return renderStatus(ctx, h, os.Stdout)
	}
	return nil
}

// runLines feeds src to the host one line at a time. Errors are already on
// the console, so with keepGoing they are only counted.
func runLines(ctx context.Context, h *host, src io.Reader, keepGoing bool) (int, error) {
	failed := 0
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := h.Run(ctx, line); err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			if !keepGoing {
				return failed + 1, err
			}
			failed++
		}
	}
	return failed, scanner.Err()
}
