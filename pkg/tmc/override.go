// TMC stall threshold and current overrides
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package tmc

import "fmt"

// StallSettings is a stall threshold and run current pair for one stepper.
type StallSettings struct {
	Threshold uint32
	Current   float64
}

// Script renders the settings as SET_TMC_FIELD / SET_TMC_CURRENT lines.
func (s StallSettings) Script(stepper string) string {
	return fmt.Sprintf("SET_TMC_FIELD STEPPER=%s FIELD=SGTHRS VALUE=%d\nSET_TMC_CURRENT STEPPER=%s CURRENT=%.3f",
		stepper, s.Threshold, stepper, s.Current)
}

// Validate checks the settings against the TMC2209 field widths.
func (s StallSettings) Validate() error {
	if s.Threshold > maxSGTHRS {
		return fmt.Errorf("stall threshold %d exceeds %d", s.Threshold, maxSGTHRS)
	}
	if s.Current <= 0 {
		return fmt.Errorf("current must be positive, got %.3f", s.Current)
	}
	return nil
}

// Override describes a temporary change to a stepper's stall detection,
// such as dropping the threshold and raising the current so a hard move
// does not trip StallGuard.
type Override struct {
	Stepper string
	Active  StallSettings
	Nominal StallSettings
}

// Validate checks both setting pairs.
func (o Override) Validate() error {
	if o.Stepper == "" {
		return fmt.Errorf("override needs a stepper name")
	}
	if err := o.Active.Validate(); err != nil {
		return fmt.Errorf("override settings: %w", err)
	}
	if err := o.Nominal.Validate(); err != nil {
		return fmt.Errorf("nominal settings: %w", err)
	}
	return nil
}

// ApplyScript returns the script that installs the override.
func (o Override) ApplyScript() string {
	return o.Active.Script(o.Stepper)
}

// RestoreScript returns the script that puts nominal settings back.
func (o Override) RestoreScript() string {
	return o.Nominal.Script(o.Stepper)
}
