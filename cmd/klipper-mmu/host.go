// Simulated MMU host assembly
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"klipper-mmu/pkg/config"
	herrors "klipper-mmu/pkg/errors"
	"klipper-mmu/pkg/log"
	"klipper-mmu/pkg/metrics"
	"klipper-mmu/pkg/mmu"
	"klipper-mmu/pkg/moonraker"
	"klipper-mmu/pkg/reactor"
	"klipper-mmu/pkg/sim"
)

// host wires the MMU core to simulated hardware behind the reactor.
type host struct {
	cfg     mmu.Config
	printer *sim.Printer
	mmu     *mmu.MMU
	metrics *metrics.MMUMetrics
	reactor *reactor.Reactor
	logger  *zerolog.Logger
}

// loadConfig reads the [mmu3] section of path, or returns the defaults when
// path is empty. The parsed file is returned for unused option checks.
func loadConfig(path string) (mmu.Config, *config.Config, error) {
	if path == "" {
		return mmu.DefaultConfig(), nil, nil
	}
	file, err := config.Load(path)
	if err != nil {
		return mmu.Config{}, nil, err
	}
	section, err := file.GetSection(mmu.SectionName)
	if err != nil {
		return mmu.Config{}, file, err
	}
	cfg, err := mmu.FromSection(section)
	if err != nil {
		return mmu.Config{}, file, err
	}
	return cfg, file, nil
}

func newHost(g *GlobalOptions) (*host, error) {
	cfg, _, err := loadConfig(g.Config)
	if err != nil {
		return nil, err
	}

	var simOpts []sim.Option
	if g.Scenario != "" {
		sc, err := sim.LoadScenario(g.Scenario)
		if err != nil {
			return nil, err
		}
		simOpts = append(simOpts, sim.WithScenario(sc))
	}
	if g.RammingScript != "" {
		data, err := os.ReadFile(g.RammingScript)
		if err != nil {
			return nil, herrors.Wrap(err, herrors.ErrConfigValidation, "read ramming script")
		}
		simOpts = append(simOpts, sim.WithRammingScript(string(data)))
	}

	p, err := sim.New(cfg, simOpts...)
	if err != nil {
		return nil, err
	}

	h := &host{
		cfg:     cfg,
		printer: p,
		metrics: metrics.NewMMUMetrics(),
		reactor: reactor.New(),
		logger:  log.GetLogger("host"),
	}
	h.mmu, err = p.Attach(
		mmu.WithMetrics(h.metrics),
		mmu.WithTimers(h.reactor),
	)
	if err != nil {
		return nil, err
	}

	h.reactor.Run()
	h.logger.Info().
		Int("tools", cfg.NumberOfTools).
		Bool("no_selector", cfg.NoSelectorMode).
		Str("scenario", g.Scenario).
		Msg("MMU host ready")
	return h, nil
}

// Run executes a console script on the reactor.
func (h *host) Run(ctx context.Context, script string) error {
	return h.reactor.Submit(ctx, func(ctx context.Context) error {
		return h.printer.Dispatcher().RunCommand(ctx, script)
	})
}

// Status snapshots the MMU state on the reactor.
func (h *host) Status(ctx context.Context) (mmu.Status, error) {
	var st mmu.Status
	err := h.reactor.Submit(ctx, func(context.Context) error {
		st = h.mmu.Status()
		return nil
	})
	return st, err
}

// Lanes snapshots the simulated lane tips.
func (h *host) Lanes(ctx context.Context) ([]float64, int, error) {
	tips := make([]float64, h.cfg.NumberOfTools)
	engaged := -1
	err := h.reactor.Submit(ctx, func(context.Context) error {
		path := h.printer.Path()
		for i := range tips {
			tips[i] = path.Tip(i)
		}
		engaged = path.Engaged()
		return nil
	})
	return tips, engaged, err
}

// Adapter exposes the host to the API server.
func (h *host) Adapter() *moonraker.Adapter {
	a := moonraker.NewAdapter(h.reactor, h.printer.Dispatcher())
	a.RegisterStatusProvider(mmu.SectionName, func() map[string]any {
		return h.mmu.Status().Map()
	})
	for name := range h.printer.Status() {
		a.RegisterStatusProvider(name, func() map[string]any {
			obj, _ := h.printer.Status()[name].(map[string]any)
			return obj
		})
	}
	a.SetEmergencyStopHandler(func() {
		h.logger.Warn().Msg("emergency stop, pausing MMU")
		err := h.reactor.Submit(context.Background(), func(ctx context.Context) error {
			return h.printer.Dispatcher().RunCommand(ctx, "PAUSE_MMU")
		})
		if err != nil {
			h.logger.Error().Err(err).Msg("pause after emergency stop failed")
		}
	})
	return a
}

// Close stops the reactor.
func (h *host) Close() {
	h.reactor.End()
	h.reactor.Wait()
}

func printLine(line string) {
	fmt.Fprintln(os.Stdout, line)
}
