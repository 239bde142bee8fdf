// Fault scenarios
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario describes the starting state and injected faults of a
// simulated machine.
//
//	name: slipping lane 2
//	temperature: 215
//	loaded: {lane: 1, at: extruder}
//	lanes:
//	  - {lane: 2, slip: 1.0}
//	grip_failures: 1
type Scenario struct {
	Name        string  `yaml:"name"`
	Temperature float64 `yaml:"temperature"`

	// Loaded places one lane's filament in the path at start.
	Loaded *Loaded `yaml:"loaded"`

	Lanes []LaneFault `yaml:"lanes"`

	// GripFailures is the number of times the extruder gear fails to
	// catch an arriving filament.
	GripFailures int `yaml:"grip_failures"`

	// FindaStuck pins the FINDA to a state.
	FindaStuck *bool `yaml:"finda_stuck"`

	// SelectorStall makes selector homing never trigger.
	SelectorStall bool `yaml:"selector_stall"`
}

// Loaded positions a lane's filament.
type Loaded struct {
	Lane int `yaml:"lane"`
	// At is "finda", "bowden" or "extruder".
	At string `yaml:"at"`
}

// LaneFault degrades one lane.
type LaneFault struct {
	Lane int `yaml:"lane"`
	// Slip is the fraction of pulley travel lost, 0 to 1.
	Slip float64 `yaml:"slip"`
}

// ParseScenario decodes a YAML scenario.
func ParseScenario(data []byte) (Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("scenario: %w", err)
	}
	return sc, nil
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, err
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

func (sc Scenario) validate(tools int) error {
	check := func(id int, what string) error {
		if id < 0 || id >= tools {
			return fmt.Errorf("scenario %q: %s lane %d out of range 0..%d", sc.Name, what, id, tools-1)
		}
		return nil
	}
	if sc.Loaded != nil {
		if err := check(sc.Loaded.Lane, "loaded"); err != nil {
			return err
		}
		switch sc.Loaded.At {
		case "finda", "bowden", "extruder":
		default:
			return fmt.Errorf("scenario %q: unknown load position %q", sc.Name, sc.Loaded.At)
		}
	}
	for _, f := range sc.Lanes {
		if err := check(f.Lane, "faulty"); err != nil {
			return err
		}
		if f.Slip < 0 || f.Slip > 1 {
			return fmt.Errorf("scenario %q: slip %.2f of lane %d out of range 0..1", sc.Name, f.Slip, f.Lane)
		}
	}
	if sc.GripFailures < 0 {
		return fmt.Errorf("scenario %q: negative grip_failures", sc.Name)
	}
	return nil
}

// apply installs the scenario on a fresh path.
func (sc Scenario) apply(p *Path) {
	p.mu.Lock()
	for _, f := range sc.Lanes {
		p.lanes[f.Lane].slip = f.Slip
	}
	p.gripFailures = sc.GripFailures
	p.findaStuck = sc.FindaStuck
	p.mu.Unlock()

	if sc.Loaded == nil {
		return
	}
	tip := 0.0
	switch sc.Loaded.At {
	case "bowden":
		tip = p.geo.Gear / 2
	case "extruder":
		tip = p.geo.Sensor + 15
	}
	p.load(sc.Loaded.Lane, tip)
}
