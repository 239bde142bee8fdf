// MMU3 filament transport
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	herrors "klipper-mmu/pkg/errors"
	"klipper-mmu/pkg/log"
	"klipper-mmu/pkg/metrics"
	"klipper-mmu/pkg/reactor"
)

// Responder receives informational console messages.
type Responder interface {
	RespondInfo(msg string)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(msg string)

// RespondInfo calls f(msg).
func (f ResponderFunc) RespondInfo(msg string) { f(msg) }

type responderKey struct{}

// WithResponder returns a context whose MMU messages go to r instead of the
// MMU's console.
func WithResponder(ctx context.Context, r Responder) context.Context {
	return context.WithValue(ctx, responderKey{}, r)
}

func responderFrom(ctx context.Context) Responder {
	r, _ := ctx.Value(responderKey{}).(Responder)
	return r
}

// Timers schedules reactor timers.
type Timers interface {
	RegisterTimer(callback reactor.TimerCallback, waketime float64) *reactor.Timer
	UpdateTimer(t *reactor.Timer, waketime float64)
	Monotonic() float64
}

// MMU is the multi-material unit controller.
//
// Operations are not safe for concurrent use; run them from a single
// goroutine (see pkg/reactor). State, Stats and Status may be read from any
// goroutine.
type MMU struct {
	cfg Config
	hw  Hardware

	idler    *axis
	pulley   *axis
	selector *axis

	mu    sync.RWMutex
	state State
	stats Stats

	console     Responder
	metrics     *metrics.MMUMetrics
	logger      *zerolog.Logger
	timers      Timers
	heaterTimer *reactor.Timer
}

// Option configures an MMU.
type Option func(*MMU)

// WithMetrics publishes state and counters to mm.
func WithMetrics(mm *metrics.MMUMetrics) Option {
	return func(m *MMU) { m.metrics = mm }
}

// WithLogger replaces the component logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(m *MMU) { m.logger = l }
}

// WithConsole sets where messages go when the context carries no responder.
func WithConsole(r Responder) Option {
	return func(m *MMU) { m.console = r }
}

// WithTimers enables the heater shutdown timer armed on pause.
func WithTimers(t Timers) Option {
	return func(m *MMU) { m.timers = t }
}

// New creates an MMU over already resolved hardware.
func New(cfg Config, hw Hardware, opts ...Option) (*MMU, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := hw.validate(); err != nil {
		return nil, err
	}
	m := &MMU{
		cfg:    cfg,
		hw:     hw,
		state:  newState(),
		logger: log.GetLogger("mmu3"),
	}
	m.idler = &axis{name: "idler", stepper: hw.Idler, m: m}
	m.pulley = &axis{name: "pulley", stepper: hw.Pulley, m: m}
	m.selector = &axis{name: "selector", stepper: hw.Selector, m: m}
	for _, opt := range opts {
		opt(m)
	}
	if m.timers != nil {
		m.heaterTimer = m.timers.RegisterTimer(m.heaterTimeout, reactor.NEVER)
	}
	if m.metrics != nil {
		m.metrics.SetState(NoTool, NoTool, false, false)
	}
	return m, nil
}

// Config returns the configuration the MMU was built with.
func (m *MMU) Config() Config {
	return m.cfg
}

func (m *MMU) respond(ctx context.Context, msg string) {
	m.logger.Info().Msg(msg)
	msg = "MMU3: " + msg
	if r := responderFrom(ctx); r != nil {
		r.RespondInfo(msg)
	} else if m.console != nil {
		m.console.RespondInfo(msg)
	}
}

func (m *MMU) respondf(ctx context.Context, format string, args ...any) {
	m.respond(ctx, fmt.Sprintf(format, args...))
}

// display sends msg to the console and the printer display.
func (m *MMU) display(ctx context.Context, msg string) {
	m.respond(ctx, msg)
	if err := m.hw.Scripts.RunScript(ctx, "M117 "+msg); err != nil {
		m.logger.Warn().Err(err).Msg("display update failed")
	}
}

func (m *MMU) displayf(ctx context.Context, format string, args ...any) {
	m.display(ctx, fmt.Sprintf(format, args...))
}

// debugState reports the tool/filament pair when debug is configured.
func (m *MMU) debugState(ctx context.Context, where string) {
	if !m.cfg.Debug {
		return
	}
	s := m.snapshot()
	m.logger.Debug().Str("at", where).Int("tool", s.CurrentTool).Int("filament", s.CurrentFilament).Msg("state")
	m.respond(ctx, fmt.Sprintf("%s: current_tool=%s current_filament=%s",
		where, toolString(s.CurrentTool), toolString(s.CurrentFilament)))
}

func (m *MMU) script(ctx context.Context, lines ...string) error {
	script := strings.Join(lines, "\n")
	if err := m.hw.Scripts.RunScript(ctx, script); err != nil {
		return herrors.Wrap(err, herrors.ErrRuntime, "script failed").
			SetContext("script", script)
	}
	return nil
}

func (m *MMU) extruderTemp() float64 {
	cur, _ := m.hw.Heater.Temperature(m.hw.Toolhead.LastMoveTime())
	return cur
}

func (m *MMU) validTool(op string, id int) error {
	if id < 0 || id >= m.cfg.NumberOfTools {
		return herrors.MMUInvalidToolError(op, id, m.cfg.NumberOfTools)
	}
	return nil
}

func (m *MMU) guardPaused(op string) error {
	if m.isPaused() {
		return herrors.MMUPausedError(op)
	}
	return nil
}

// disableAll releases every stepper. The selector is left alone in
// no-selector mode.
func (m *MMU) disableAll(ctx context.Context) error {
	axes := []*axis{m.pulley, m.selector, m.idler}
	if m.cfg.NoSelectorMode {
		axes = []*axis{m.pulley, m.idler}
	}
	for _, a := range axes {
		if err := a.disable(ctx); err != nil {
			return err
		}
	}
	return nil
}

// eventTime is the timestamp handed to the motion sensor when it is
// re-enabled.
func (m *MMU) eventTime() float64 {
	if m.hw.Clock != nil {
		if t := m.hw.Clock.Monotonic(); t != 0 {
			return t
		}
	}
	return m.hw.Toolhead.LastMoveTime()
}
