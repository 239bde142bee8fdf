// Simulated manual steppers
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	errSelectorBlocked = errors.New("selector blocked by filament")
	errNoTrigger       = errors.New("no trigger after full movement")
)

// calcMoveTime returns the trapezoid timing of a move of dist at speed and
// accel.
func calcMoveTime(dist, speed, accel float64) (axisR, accelT, cruiseT, cruiseV float64) {
	axisR = 1.0
	if dist < 0 {
		axisR = -1.0
		dist = -dist
	}
	if accel == 0 || dist == 0 {
		return axisR, 0.0, dist / speed, speed
	}
	maxCruiseV2 := dist * accel
	if maxCruiseV2 < speed*speed {
		speed = math.Sqrt(maxCruiseV2)
	}
	accelT = speed / accel
	accelDecelD := accelT * speed
	cruiseT = (dist - accelDecelD) / speed
	return axisR, accelT, cruiseT, speed
}

// motionModel is the physical effect of a stepper's moves.
type motionModel interface {
	move(from, to, speed, accel float64) error
	// homing moves toward to until the endstop reaches triggered and
	// returns the travel made and whether it triggered.
	homing(from, to float64, triggered bool) (float64, bool, error)
}

// Stepper is a manual stepper driven by the MMU. It implements mmu.Stepper.
type Stepper struct {
	name     string
	th       *Toolhead
	model    motionModel
	velocity float64
	accel    float64

	// observe runs after every move so sensors see the new state.
	observe func()

	mu           sync.Mutex
	commandedPos float64
	enabled      bool
	moves        int
	fault        error
}

func newStepper(name string, th *Toolhead, model motionModel, velocity, accel float64) *Stepper {
	return &Stepper{name: name, th: th, model: model, velocity: velocity, accel: accel}
}

// Name returns the stepper name.
func (s *Stepper) Name() string { return s.name }

// Velocity returns the default move speed.
func (s *Stepper) Velocity() float64 { return s.velocity }

// Accel returns the default acceleration.
func (s *Stepper) Accel() float64 { return s.accel }

// Position returns the commanded position.
func (s *Stepper) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandedPos
}

// Enabled reports whether the driver is energized.
func (s *Stepper) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Moves returns the number of moves and homing moves made.
func (s *Stepper) Moves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moves
}

// Fail makes every following move return err. A nil err clears the fault.
func (s *Stepper) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

// SetPosition sets the commanded position without moving.
func (s *Stepper) SetPosition(ctx context.Context, pos float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandedPos = pos
	return ctx.Err()
}

// Move performs a move to pos and advances the print time.
func (s *Stepper) Move(ctx context.Context, pos, speed, accel float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if speed <= 0 {
		return fmt.Errorf("%s: invalid speed %.3f", s.name, speed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	s.enabled = true
	s.moves++
	from := s.commandedPos
	if err := s.model.move(from, pos, speed, accel); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	s.advance(pos-from, speed, accel)
	s.commandedPos = pos
	s.notify()
	return nil
}

// HomingMove moves toward pos until the endstop reaches triggered.
func (s *Stepper) HomingMove(ctx context.Context, pos, speed, accel float64, triggered, checkTrigger bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return false, s.fault
	}
	s.enabled = true
	s.moves++
	from := s.commandedPos
	travel, hit, err := s.model.homing(from, pos, triggered)
	if err != nil {
		return false, fmt.Errorf("%s: %w", s.name, err)
	}
	s.advance(travel, speed, accel)
	s.commandedPos = from + travel
	s.notify()
	if checkTrigger && !hit {
		return false, fmt.Errorf("%s: %w", s.name, errNoTrigger)
	}
	return hit, nil
}

func (s *Stepper) notify() {
	if s.observe != nil {
		s.observe()
	}
}

func (s *Stepper) advance(dist, speed, accel float64) {
	_, accelT, cruiseT, _ := calcMoveTime(dist, speed, accel)
	s.th.advance(accelT + cruiseT + accelT)
}

// Enable energizes or releases the driver.
func (s *Stepper) Enable(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = on
	return ctx.Err()
}

// Dwell advances the print time.
func (s *Stepper) Dwell(ctx context.Context, seconds float64) error {
	s.th.advance(seconds)
	return ctx.Err()
}

// idlerModel moves the idler cam between lanes.
type idlerModel struct{ path *Path }

func (m idlerModel) move(_, to, _, _ float64) error {
	m.path.setIdler(to)
	return nil
}

func (m idlerModel) homing(from, to float64, _ bool) (float64, bool, error) {
	m.path.setIdler(to)
	return to - from, true, nil
}

// pulleyModel drives the lane the idler presses; its endstop is the FINDA.
type pulleyModel struct{ path *Path }

func (m pulleyModel) move(from, to, _, _ float64) error {
	m.path.pulleyMove(to - from)
	return nil
}

func (m pulleyModel) homing(from, to float64, triggered bool) (float64, bool, error) {
	travel, hit := m.path.pulleyHoming(to-from, triggered)
	return travel, hit, nil
}

// selectorModel slides the selector. Crossing a protruding filament cuts it
// only while the driver's stall detection is off.
type selectorModel struct {
	path    *Path
	stallOK func() bool
	stalled func() bool
}

func (m selectorModel) move(_, to, _, _ float64) error {
	return m.path.sweep(to, m.stallOK())
}

func (m selectorModel) homing(from, to float64, _ bool) (float64, bool, error) {
	if m.stalled() {
		return to - from, false, nil
	}
	if err := m.path.sweep(0, m.stallOK()); err != nil {
		return 0, false, err
	}
	return to - from, true, nil
}
