// MMU3 hardware capabilities
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"context"
	"fmt"

	herrors "klipper-mmu/pkg/errors"
)

// Stepper is a manually driven axis (idler, selector or pulley).
type Stepper interface {
	SetPosition(ctx context.Context, pos float64) error
	Move(ctx context.Context, pos, speed, accel float64) error
	// HomingMove moves toward pos until the axis endstop reaches the
	// triggered state and reports whether it did. With checkTrigger set, not
	// triggering is an error.
	HomingMove(ctx context.Context, pos, speed, accel float64, triggered, checkTrigger bool) (bool, error)
	Enable(ctx context.Context, on bool) error
	Dwell(ctx context.Context, seconds float64) error
	Velocity() float64
	Accel() float64
}

// Endstop is a contact or presence switch.
type Endstop interface {
	Query(ctx context.Context, printTime float64) (bool, error)
}

// Toolhead is the printer motion queue.
type Toolhead interface {
	LastMoveTime() float64
	// WaitMoves blocks until all queued motion has physically completed.
	WaitMoves(ctx context.Context) error
}

// FilamentSensor reports filament in the extruder.
type FilamentSensor interface {
	FilamentDetected() bool
}

// RunoutSensor is a filament sensor whose runout handling can be switched off.
type RunoutSensor interface {
	SensorEnabled() bool
	SetSensorEnabled(on bool)
}

// MotionSensor is an encoder based runout sensor.
type MotionSensor interface {
	RunoutSensor
	NotifyEvent(eventtime float64)
}

// Heater reads the hotend temperature.
type Heater interface {
	Temperature(printTime float64) (current, target float64)
}

// ScriptRunner executes G-code through the printer's macro layer.
type ScriptRunner interface {
	RunScript(ctx context.Context, script string) error
}

// Clock is the reactor's monotonic clock.
type Clock interface {
	Monotonic() float64
}

// Hardware bundles the collaborators an MMU drives. SelectorEndstop,
// SwitchSensor, MotionSensor and Clock may be nil.
type Hardware struct {
	Idler    Stepper
	Pulley   Stepper
	Selector Stepper

	// Finda is the pulley endstop at the bowden entry.
	Finda           Endstop
	SelectorEndstop Endstop

	Toolhead Toolhead
	// Extruder is the IR sensor at the extruder gear.
	Extruder     FilamentSensor
	SwitchSensor RunoutSensor
	MotionSensor MotionSensor

	Heater  Heater
	Scripts ScriptRunner
	Clock   Clock
}

func (hw *Hardware) validate() error {
	required := []struct {
		name string
		ok   bool
	}{
		{"idler stepper", hw.Idler != nil},
		{"pulley stepper", hw.Pulley != nil},
		{"selector stepper", hw.Selector != nil},
		{"finda endstop", hw.Finda != nil},
		{"toolhead", hw.Toolhead != nil},
		{"extruder sensor", hw.Extruder != nil},
		{"heater", hw.Heater != nil},
		{"script runner", hw.Scripts != nil},
	}
	for _, r := range required {
		if !r.ok {
			return herrors.RuntimeError(fmt.Sprintf("mmu: missing %s", r.name))
		}
	}
	return nil
}

// axis wraps a stepper so that capability faults surface as MMU_ACTUATOR
// errors naming the axis.
type axis struct {
	name    string
	stepper Stepper
	m       *MMU
}

func (a *axis) fault(op string, err error) error {
	if err == nil {
		return nil
	}
	return herrors.MMUActuatorError(op, a.name, err)
}

func (a *axis) setPosition(ctx context.Context, pos float64) error {
	return a.fault("set_position", a.stepper.SetPosition(ctx, pos))
}

func (a *axis) move(ctx context.Context, pos, speed, accel float64) error {
	return a.fault("move", a.stepper.Move(ctx, pos, speed, accel))
}

// moveDefault moves at the stepper's configured velocity and acceleration.
func (a *axis) moveDefault(ctx context.Context, pos float64) error {
	return a.move(ctx, pos, a.stepper.Velocity(), a.stepper.Accel())
}

func (a *axis) homingMove(ctx context.Context, pos, speed, accel float64, triggered, checkTrigger bool) (bool, error) {
	hit, err := a.stepper.HomingMove(ctx, pos, speed, accel, triggered, checkTrigger)
	return hit, a.fault("homing_move", err)
}

// disable dwells around the enable line so the driver settles before and
// after the coils are released.
func (a *axis) disable(ctx context.Context) error {
	if err := a.stepper.Dwell(ctx, a.m.cfg.PauseBeforeDisablingSteppers/1000); err != nil {
		return a.fault("dwell", err)
	}
	if err := a.stepper.Enable(ctx, false); err != nil {
		return a.fault("disable", err)
	}
	return a.fault("dwell", a.stepper.Dwell(ctx, a.m.cfg.PauseAfterDisablingSteppers/1000))
}
