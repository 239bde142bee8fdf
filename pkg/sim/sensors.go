// Simulated filament sensors
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"klipper-mmu/pkg/gcode"
)

// Endstop reads a presence switch.
type Endstop struct {
	read func() bool
}

// Query returns the switch state.
func (e Endstop) Query(ctx context.Context, _ float64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return e.read(), nil
}

// ExtruderSensor is the IR sensor at the extruder gear.
type ExtruderSensor struct {
	path *Path
}

// FilamentDetected reports whether filament passes the sensor.
func (s ExtruderSensor) FilamentDetected() bool {
	return s.path.InExtruder()
}

// RunoutHelper counts runout events of a switch sensor while it is enabled.
type RunoutHelper struct {
	name   string
	logger *zerolog.Logger

	mu              sync.Mutex
	filamentPresent bool
	sensorEnabled   bool
	runouts         int
}

func newRunoutHelper(name string, present bool, logger *zerolog.Logger) *RunoutHelper {
	return &RunoutHelper{name: name, logger: logger, filamentPresent: present, sensorEnabled: true}
}

// NoteFilamentPresent records the switch state; losing filament while
// enabled is a runout.
func (rh *RunoutHelper) NoteFilamentPresent(present bool) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	if present == rh.filamentPresent {
		return
	}
	rh.filamentPresent = present
	if !present && rh.sensorEnabled {
		rh.runouts++
		rh.logger.Warn().Str("sensor", rh.name).Msg("filament runout detected")
	}
}

// SensorEnabled reports whether runout detection is active.
func (rh *RunoutHelper) SensorEnabled() bool {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.sensorEnabled
}

// SetSensorEnabled switches runout detection.
func (rh *RunoutHelper) SetSensorEnabled(on bool) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.sensorEnabled = on
}

// Runouts returns the number of runouts seen while enabled.
func (rh *RunoutHelper) Runouts() int {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.runouts
}

// GetStatus returns the sensor status.
func (rh *RunoutHelper) GetStatus() map[string]any {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return map[string]any{
		"filament_detected": rh.filamentPresent,
		"enabled":           rh.sensorEnabled,
	}
}

func (rh *RunoutHelper) cmdQuery(_ context.Context, cmd *gcode.Command) error {
	detected := "filament not detected"
	if rh.GetStatus()["filament_detected"].(bool) {
		detected = "filament detected"
	}
	cmd.RespondInfo(fmt.Sprintf("Filament Sensor %s: %s", rh.name, detected))
	return nil
}

func (rh *RunoutHelper) cmdSet(_ context.Context, cmd *gcode.Command) error {
	enable, err := cmd.GetInt("ENABLE")
	if err != nil {
		return err
	}
	rh.SetSensorEnabled(enable != 0)
	return nil
}

// EncoderSensor is a filament motion sensor. Extruder travel beyond the
// detection length without encoder pulses is a runout.
type EncoderSensor struct {
	*RunoutHelper
	detectionLength float64

	mu                sync.Mutex
	extruderPos       float64
	filamentRunoutPos float64
	lastEvent         float64
}

func newEncoderSensor(name string, detectionLength float64, logger *zerolog.Logger) *EncoderSensor {
	return &EncoderSensor{
		RunoutHelper:      newRunoutHelper(name, true, logger),
		detectionLength:   detectionLength,
		filamentRunoutPos: detectionLength,
	}
}

// NotifyEvent resets the runout window as if the encoder had pulsed.
func (es *EncoderSensor) NotifyEvent(eventtime float64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.lastEvent = eventtime
	es.filamentRunoutPos = es.extruderPos + es.detectionLength
}

// LastEvent returns the time of the last encoder event.
func (es *EncoderSensor) LastEvent() float64 {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.lastEvent
}

// extruded records extruder travel and whether the filament moved with it.
func (es *EncoderSensor) extruded(de float64, moved bool) {
	es.mu.Lock()
	es.extruderPos += abs(de)
	if moved {
		es.filamentRunoutPos = es.extruderPos + es.detectionLength
	}
	present := es.extruderPos <= es.filamentRunoutPos
	es.mu.Unlock()
	es.NoteFilamentPresent(present)
}
