// TMC G-code commands
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package tmc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"klipper-mmu/pkg/gcode"
)

// Bank is the set of drivers reachable through SET_TMC_* commands.
type Bank struct {
	mu      sync.RWMutex
	drivers map[string]*Driver
}

// NewBank creates a bank holding drivers.
func NewBank(drivers ...*Driver) *Bank {
	b := &Bank{drivers: make(map[string]*Driver)}
	for _, d := range drivers {
		b.drivers[d.Name()] = d
	}
	return b
}

// Lookup returns the driver for a stepper.
func (b *Bank) Lookup(stepper string) (*Driver, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.drivers[stepper]
	return d, ok
}

func (b *Bank) driverFor(cmd *gcode.Command) (*Driver, error) {
	name, err := cmd.Get("STEPPER")
	if err != nil {
		return nil, err
	}
	d, ok := b.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown stepper %s", name)
	}
	return d, nil
}

// Register installs SET_TMC_FIELD, SET_TMC_CURRENT and DUMP_TMC.
func (b *Bank) Register(d *gcode.Dispatcher) {
	d.Register("SET_TMC_FIELD", b.cmdSetField, "Set a driver register field")
	d.Register("SET_TMC_CURRENT", b.cmdSetCurrent, "Set the current of a TMC driver")
	d.Register("DUMP_TMC", b.cmdDump, "Read and display TMC stepper driver registers")
}

func (b *Bank) cmdSetField(ctx context.Context, cmd *gcode.Command) error {
	drv, err := b.driverFor(cmd)
	if err != nil {
		return err
	}
	field, err := cmd.Get("FIELD")
	if err != nil {
		return err
	}
	value, err := cmd.GetInt("VALUE")
	if err != nil {
		return err
	}
	if value < 0 {
		return fmt.Errorf("value %d out of range for field '%s'", value, strings.ToLower(field))
	}
	return drv.SetField(field, uint32(value))
}

func (b *Bank) cmdSetCurrent(ctx context.Context, cmd *gcode.Command) error {
	drv, err := b.driverFor(cmd)
	if err != nil {
		return err
	}
	if !cmd.Has("CURRENT") {
		cmd.RespondInfo(fmt.Sprintf("Run Current: %.2fA", drv.RunCurrent()))
		return nil
	}
	current, err := cmd.GetFloat("CURRENT")
	if err != nil {
		return err
	}
	if current <= 0 {
		return fmt.Errorf("current must be positive, got %.3f", current)
	}
	return drv.SetCurrent(current)
}

func (b *Bank) cmdDump(ctx context.Context, cmd *gcode.Command) error {
	if cmd.Has("STEPPER") {
		drv, err := b.driverFor(cmd)
		if err != nil {
			return err
		}
		cmd.RespondInfo(strings.Join(drv.Dump(), "\n"))
		return nil
	}
	b.mu.RLock()
	names := make([]string, 0, len(b.drivers))
	for name := range b.drivers {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	for _, name := range names {
		drv, _ := b.Lookup(name)
		cmd.RespondInfo("========== " + name + " ==========\n" + strings.Join(drv.Dump(), "\n"))
	}
	return nil
}
