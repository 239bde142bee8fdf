// Simulated hotend heater
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"context"
	"sync"

	"klipper-mmu/pkg/gcode"
)

// Heater is a hotend that reaches its target instantly when waited on.
type Heater struct {
	mu      sync.Mutex
	current float64
	target  float64
	ambient float64
}

func newHeater(temp float64) *Heater {
	return &Heater{current: temp, target: temp, ambient: 25}
}

// Temperature returns the current and target temperature.
func (h *Heater) Temperature(float64) (float64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, h.target
}

// Set forces the current temperature, keeping the target.
func (h *Heater) Set(temp float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = temp
}

func (h *Heater) setTarget(temp float64, wait bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target = temp
	switch {
	case wait:
		h.current = temp
	case temp == 0:
		h.current = h.ambient
	}
}

func (h *Heater) cmdM104(_ context.Context, cmd *gcode.Command) error {
	temp, err := cmd.GetFloat("S", 0)
	if err != nil {
		return err
	}
	h.setTarget(temp, false)
	return nil
}

func (h *Heater) cmdM109(_ context.Context, cmd *gcode.Command) error {
	temp, err := cmd.GetFloat("S", 0)
	if err != nil {
		return err
	}
	h.setTarget(temp, true)
	return nil
}
