// Simulated toolhead and G-code move state
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"klipper-mmu/pkg/gcode"
)

// Toolhead keeps the simulated print time. Motion completes synchronously,
// so WaitMoves only honours cancellation.
type Toolhead struct {
	mu        sync.Mutex
	printTime float64
}

// LastMoveTime returns the print time at the end of the last queued move.
func (th *Toolhead) LastMoveTime() float64 {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.printTime
}

// Monotonic returns the simulated clock.
func (th *Toolhead) Monotonic() float64 {
	return th.LastMoveTime()
}

// WaitMoves blocks until all queued motion has completed.
func (th *Toolhead) WaitMoves(ctx context.Context) error {
	return ctx.Err()
}

func (th *Toolhead) advance(seconds float64) {
	if seconds <= 0 {
		return
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	th.printTime += seconds
}

// gcodeState holds a saved state for SAVE/RESTORE_GCODE_STATE.
type gcodeState struct {
	absoluteCoord   bool
	absoluteExtrude bool
	basePosition    [4]float64
	lastPosition    [4]float64
	speed           float64
}

// gcodeMove interprets G-code coordinates for the XYZ axes and the
// extruder. E moves are handed to the filament path.
type gcodeMove struct {
	th      *Toolhead
	extrude func(de float64)

	mu              sync.Mutex
	absoluteCoord   bool
	absoluteExtrude bool
	basePosition    [4]float64
	lastPosition    [4]float64
	speed           float64
	savedStates     map[string]gcodeState
}

func newGCodeMove(th *Toolhead, extrude func(de float64)) *gcodeMove {
	return &gcodeMove{
		th:              th,
		extrude:         extrude,
		absoluteCoord:   true,
		absoluteExtrude: true,
		speed:           25,
		savedStates:     make(map[string]gcodeState),
	}
}

var axisIndex = map[string]int{"X": 0, "Y": 1, "Z": 2, "E": 3}

func (gm *gcodeMove) cmdG90(context.Context, *gcode.Command) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.absoluteCoord = true
	return nil
}

func (gm *gcodeMove) cmdG91(context.Context, *gcode.Command) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.absoluteCoord = false
	return nil
}

func (gm *gcodeMove) cmdM82(context.Context, *gcode.Command) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.absoluteExtrude = true
	return nil
}

func (gm *gcodeMove) cmdM83(context.Context, *gcode.Command) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.absoluteExtrude = false
	return nil
}

// cmdG92 sets the G-code position without moving.
func (gm *gcodeMove) cmdG92(_ context.Context, cmd *gcode.Command) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	anySet := false
	for axis, pos := range axisIndex {
		if !cmd.Has(axis) {
			continue
		}
		v, err := cmd.GetFloat(axis)
		if err != nil {
			return err
		}
		anySet = true
		gm.basePosition[pos] = gm.lastPosition[pos] - v
	}
	if !anySet {
		gm.basePosition = gm.lastPosition
	}
	return nil
}

func (gm *gcodeMove) cmdG1(_ context.Context, cmd *gcode.Command) error {
	gm.mu.Lock()
	start := gm.lastPosition
	for axis, pos := range axisIndex {
		if !cmd.Has(axis) {
			continue
		}
		v, err := cmd.GetFloat(axis)
		if err != nil {
			gm.mu.Unlock()
			return err
		}
		absolute := gm.absoluteCoord
		if axis == "E" && !gm.absoluteExtrude {
			absolute = false
		}
		if absolute {
			gm.lastPosition[pos] = v + gm.basePosition[pos]
		} else {
			gm.lastPosition[pos] += v
		}
	}
	if cmd.Has("F") {
		f, err := cmd.GetFloat("F")
		if err != nil {
			gm.mu.Unlock()
			return err
		}
		if f <= 0 {
			gm.mu.Unlock()
			return fmt.Errorf("invalid speed F=%s", strconv.FormatFloat(f, 'f', -1, 64))
		}
		gm.speed = f / 60
	}
	end, speed := gm.lastPosition, gm.speed
	gm.mu.Unlock()

	dist := 0.0
	for i := range start {
		dist = max(dist, abs(end[i]-start[i]))
	}
	gm.th.advance(dist / speed)
	if de := end[3] - start[3]; de != 0 {
		gm.extrude(de)
	}
	return nil
}

func (gm *gcodeMove) saveState(name string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.savedStates[name] = gcodeState{
		absoluteCoord:   gm.absoluteCoord,
		absoluteExtrude: gm.absoluteExtrude,
		basePosition:    gm.basePosition,
		lastPosition:    gm.lastPosition,
		speed:           gm.speed,
	}
}

func (gm *gcodeMove) restoreState(name string) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	state, ok := gm.savedStates[name]
	if !ok {
		return fmt.Errorf("unknown g-code state: %s", name)
	}
	gm.absoluteCoord = state.absoluteCoord
	gm.absoluteExtrude = state.absoluteExtrude
	gm.basePosition = state.basePosition
	gm.speed = state.speed
	// The extruder keeps its position; XYZ return to the saved spot.
	e := gm.lastPosition[3]
	gm.lastPosition = state.lastPosition
	gm.lastPosition[3] = e
	return nil
}

// position returns the G-code position of X, Y, Z and E.
func (gm *gcodeMove) position() [4]float64 {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	var pos [4]float64
	for i := range pos {
		pos[i] = gm.lastPosition[i] - gm.basePosition[i]
	}
	return pos
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
