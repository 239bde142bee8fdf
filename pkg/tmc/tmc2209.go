// TMC2209 stepper driver model
//
// Copyright (C) 2019-2021  Kevin O'Connor <kevin@koconnor.net>
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package tmc

import (
	"fmt"
	"sync"
)

// tmc2209Layout is the subset of TMC2209 registers the MMU drivers touch,
// in dump order.
var tmc2209Layout = []register{
	{"GCONF", map[string]uint32{
		"en_spreadcycle": 1 << 2,
		"shaft":          1 << 3,
		"pdn_disable":    1 << 6,
	}},
	{"IHOLD_IRUN", map[string]uint32{
		"ihold":      0x1f << 0,
		"irun":       0x1f << 8,
		"iholddelay": 0x0f << 16,
	}},
	{"TCOOLTHRS", map[string]uint32{
		"tcoolthrs": 0xfffff,
	}},
	{"SGTHRS", map[string]uint32{
		"sgthrs": 0xff,
	}},
	{"CHOPCONF", map[string]uint32{
		"toff":   0x0f << 0,
		"vsense": 1 << 17,
		"mres":   0x0f << 24,
	}},
}

// maxSGTHRS is the widest value of the 8 bit StallGuard threshold.
const maxSGTHRS = 0xff

// Driver is a TMC2209 register image for one stepper.
type Driver struct {
	name       string
	regs       *registerImage
	rsense     float64
	holdFactor float64

	mu sync.Mutex
}

// DriverConfig holds the startup settings of a driver.
type DriverConfig struct {
	RunCurrent     float64
	HoldCurrent    float64
	SenseResistor  float64
	StallThreshold uint32
}

// DefaultDriverConfig returns the selector defaults of an MMU3.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		RunCurrent:     0.580,
		HoldCurrent:    0.300,
		SenseResistor:  0.110,
		StallThreshold: 96,
	}
}

// NewDriver creates a driver named after its stepper, e.g. "selector_stepper".
func NewDriver(name string, cfg DriverConfig) (*Driver, error) {
	if cfg.SenseResistor <= 0 {
		return nil, fmt.Errorf("%s: sense resistor must be positive", name)
	}
	d := &Driver{
		name:   name,
		regs:   newRegisterImage(tmc2209Layout),
		rsense: cfg.SenseResistor,
	}
	if cfg.RunCurrent > 0 {
		d.holdFactor = cfg.HoldCurrent / cfg.RunCurrent
	}
	if err := d.regs.set("toff", 3); err != nil {
		return nil, err
	}
	if err := d.regs.set("sgthrs", cfg.StallThreshold); err != nil {
		return nil, err
	}
	if err := d.setCurrentLocked(cfg.RunCurrent); err != nil {
		return nil, err
	}
	return d, nil
}

// Name returns the stepper name.
func (d *Driver) Name() string {
	return d.name
}

// SetField writes a named field.
func (d *Driver) SetField(field string, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.set(field, value)
}

// Field reads a named field.
func (d *Driver) Field(field string) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.get(field)
}

// SetCurrent programs the run current; hold current keeps its ratio.
func (d *Driver) SetCurrent(run float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setCurrentLocked(run)
}

func (d *Driver) setCurrentLocked(run float64) error {
	irun, vsense := currentBits(run, d.rsense)
	ihold := int(float64(irun+1)*d.holdFactor) - 1
	ihold = max(0, min(int(irun), ihold))
	v := uint32(0)
	if vsense {
		v = 1
	}
	if err := d.regs.set("vsense", v); err != nil {
		return err
	}
	if err := d.regs.set("irun", irun); err != nil {
		return err
	}
	return d.regs.set("ihold", uint32(ihold))
}

// RunCurrent returns the programmed run current in amps.
func (d *Driver) RunCurrent() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bitsCurrent(d.regs.get("irun"), d.regs.get("vsense") == 1, d.rsense)
}

// Dump returns the formatted register image.
func (d *Driver) Dump() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.dump()
}
