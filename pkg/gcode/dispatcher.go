// G-code command dispatch
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	herrors "klipper-mmu/pkg/errors"
	"klipper-mmu/pkg/log"
)

// Handler executes one command.
type Handler func(ctx context.Context, cmd *Command) error

// OutputFunc receives every line sent back to the console.
type OutputFunc func(line string)

type entry struct {
	handler Handler
	help    string
}

// Dispatcher routes parsed commands to registered handlers.
//
// Handlers may call RunScript re-entrantly; the dispatcher does not
// serialize execution, callers do (see pkg/reactor).
type Dispatcher struct {
	mu       sync.RWMutex
	commands map[string]entry
	fallback Handler
	outputs  []OutputFunc

	logger *zerolog.Logger
}

// NewDispatcher creates a dispatcher with HELP registered.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		commands: make(map[string]entry),
		logger:   log.GetLogger("gcode"),
	}
	d.Register("HELP", d.cmdHelp, "Report available extended G-Code commands")
	return d
}

// Register adds a command handler. Registering a name twice replaces it.
func (d *Dispatcher) Register(name string, handler Handler, help string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands[strings.ToUpper(name)] = entry{handler: handler, help: help}
}

// Unregister removes a command handler.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.commands, strings.ToUpper(name))
}

// SetFallback installs the handler for commands nobody registered.
func (d *Dispatcher) SetFallback(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

// AddOutput subscribes fn to console output.
func (d *Dispatcher) AddOutput(fn OutputFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outputs = append(d.outputs, fn)
}

// Commands returns the registered command names, sorted.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Respond sends a raw line to every output.
func (d *Dispatcher) Respond(line string) {
	d.mu.RLock()
	outputs := append([]OutputFunc(nil), d.outputs...)
	d.mu.RUnlock()
	for _, fn := range outputs {
		fn(line)
	}
}

// RespondInfo sends a "// " prefixed informational line.
func (d *Dispatcher) RespondInfo(msg string) {
	for _, line := range strings.Split(msg, "\n") {
		d.Respond("// " + line)
	}
}

// RespondError sends a "!! " prefixed error line.
func (d *Dispatcher) RespondError(msg string) {
	d.Respond("!! " + msg)
}

// Run executes a single line.
func (d *Dispatcher) Run(ctx context.Context, line string) error {
	cmd, err := Parse(line)
	if err != nil {
		return err
	}
	if cmd == nil {
		return nil
	}
	cmd.responder = d.RespondInfo

	d.mu.RLock()
	e, ok := d.commands[cmd.Name]
	fallback := d.fallback
	d.mu.RUnlock()

	handler := e.handler
	if !ok {
		if fallback == nil {
			return herrors.GCodeUnknownCommandError(cmd.Name)
		}
		handler = fallback
	}

	d.logger.Debug().Str("cmd", cmd.Name).Str("raw", strings.TrimSpace(line)).Msg("dispatch")
	return handler(ctx, cmd)
}

// RunScript executes each line of script in order and stops at the first error.
func (d *Dispatcher) RunScript(ctx context.Context, script string) error {
	for _, line := range strings.Split(script, "\n") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Run(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

// RunCommand is the console entry point: errors are reported on the output
// as well as returned.
func (d *Dispatcher) RunCommand(ctx context.Context, script string) error {
	err := d.RunScript(ctx, script)
	if err != nil {
		d.logger.Warn().Err(err).Fields(herrors.Fields(err)).Str("script", script).Msg("command failed")
		d.RespondError(err.Error())
	}
	return err
}

func (d *Dispatcher) cmdHelp(ctx context.Context, cmd *Command) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.commands))
	for name, e := range d.commands {
		if e.help != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	lines := []string{"Available extended commands:"}
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%-20s: %s", name, d.commands[name].help))
	}
	cmd.RespondInfo(strings.Join(lines, "\n"))
	return nil
}
