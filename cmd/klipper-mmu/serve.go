// serve subcommand
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"klipper-mmu/pkg/moonraker"
)

// ServeCommand exposes the simulated MMU over the Moonraker-compatible API.
type ServeCommand struct {
	Addr           string        `short:"a" long:"addr" default:":7125" description:"Listen address"`
	StatusInterval time.Duration `long:"status-interval" default:"250ms" description:"Subscription update interval"`
	History        int           `long:"history" default:"500" description:"Number of scripts kept in history"`
	Echo           bool          `long:"echo" description:"Also print console output to stdout"`
}

func (c *ServeCommand) Execute(args []string) error {
	h, err := newHost(&opts.GlobalOptions)
	if err != nil {
		return err
	}
	defer h.Close()

	s := moonraker.New(moonraker.Config{
		Addr:           c.Addr,
		Backend:        h.Adapter(),
		Metrics:        h.metrics,
		StatusInterval: c.StatusInterval,
		HistorySize:    c.History,
	})
	h.printer.Dispatcher().AddOutput(s.Publish)
	if c.Echo {
		h.printer.Dispatcher().AddOutput(printLine)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		h.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return <-errCh
}
