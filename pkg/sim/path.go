// Simulated filament path
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"math"
	"sync"

	"klipper-mmu/pkg/mmu"
)

// Geometry places the sensors along a lane. Positions are millimetres of
// filament tip travel with the FINDA at zero; negative is toward the spool.
type Geometry struct {
	Park   float64 // tip of an unloaded lane
	Blade  float64 // selector cutting edge
	Gear   float64 // extruder drive gear
	Sensor float64 // extruder IR sensor
	Nozzle float64

	// SlotTolerance is how close the idler or selector must be to a lane
	// position to address it.
	SlotTolerance float64
}

// DefaultGeometry derives a path matching cfg's bowden and FINDA lengths.
func DefaultGeometry(cfg mmu.Config) Geometry {
	gear := cfg.BowdenLoadLength1 + cfg.BowdenLoadLength2 + 5
	return Geometry{
		Park:          -cfg.FindaUnloadLength,
		Blade:         -2 * cfg.CuttingEdgeRetract,
		Gear:          gear,
		Sensor:        gear + 20,
		Nozzle:        gear + 60,
		SlotTolerance: 0.5,
	}
}

type lane struct {
	tip  float64
	slip float64
	// ungripped is set when the gear failed to catch the tip; the gear
	// spins on it until the pulley pushes the lane again.
	ungripped bool
}

// Path tracks the filament tip of every lane and answers sensor queries.
type Path struct {
	geo Geometry
	cfg mmu.Config

	mu           sync.Mutex
	lanes        []lane
	idler        float64
	selector     float64
	gripFailures int
	findaStuck   *bool
	cuts         int
}

func newPath(cfg mmu.Config, geo Geometry) *Path {
	p := &Path{
		geo:      geo,
		cfg:      cfg,
		lanes:    make([]lane, cfg.NumberOfTools),
		idler:    cfg.IdlerHomePosition,
		selector: cfg.SelectorPositions[0],
	}
	for i := range p.lanes {
		p.lanes[i].tip = geo.Park
	}
	return p
}

// Tip returns the tip position of lane id.
func (p *Path) Tip(id int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lanes[id].tip
}

// Geometry returns the sensor layout of the path.
func (p *Path) Geometry() Geometry {
	return p.geo
}

// Engaged returns the lane the idler presses on, or -1.
func (p *Path) Engaged() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engagedLocked()
}

// Where names the section of the path a tip position lies in.
func (g Geometry) Where(tip float64) string {
	switch {
	case tip <= g.Park+g.SlotTolerance:
		return "parked"
	case tip < 0:
		return "selector"
	case tip < g.Gear:
		return "bowden"
	case tip < g.Nozzle:
		return "extruder"
	default:
		return "nozzle"
	}
}

// Cuts returns the number of filament cuts performed.
func (p *Path) Cuts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cuts
}

// InFinda reports whether any filament reaches the FINDA.
func (p *Path) InFinda() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFindaLocked()
}

func (p *Path) inFindaLocked() bool {
	if p.findaStuck != nil {
		return *p.findaStuck
	}
	for _, l := range p.lanes {
		if l.tip >= 0 {
			return true
		}
	}
	return false
}

// InExtruder reports whether the extruder sensor sees filament.
func (p *Path) InExtruder() bool {
	return p.reaches(p.geo.Sensor)
}

// AtGear reports whether a filament reaches the extruder gear.
func (p *Path) AtGear() bool {
	return p.reaches(p.geo.Gear)
}

func (p *Path) reaches(pos float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.lanes {
		if l.tip >= pos {
			return true
		}
	}
	return false
}

// engagedLocked returns the lane the idler presses on, or -1.
func (p *Path) engagedLocked() int {
	for i, pos := range p.cfg.IdlerPositions {
		if math.Abs(p.idler-pos) <= p.geo.SlotTolerance {
			return i
		}
	}
	return -1
}

func (p *Path) setIdler(pos float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idler = pos
}

// feedLocked advances the engaged lane by dist of pulley travel, less slip.
func (p *Path) feedLocked(dist float64) {
	id := p.engagedLocked()
	if id < 0 {
		return
	}
	l := &p.lanes[id]
	l.tip = math.Min(l.tip+dist*(1-l.slip), p.geo.Nozzle)
	if dist > 0 {
		l.ungripped = false
	}
}

func (p *Path) pulleyMove(dist float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedLocked(dist)
}

// pulleyHoming moves the pulley by at most dist until the FINDA reaches
// the triggered state and returns the pulley travel and whether it did.
func (p *Path) pulleyHoming(dist float64, triggered bool) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFindaLocked() == triggered {
		return 0, true
	}
	id := p.engagedLocked()
	if id < 0 || p.findaStuck != nil {
		p.feedLocked(dist)
		return dist, false
	}
	l := &p.lanes[id]
	grip := 1 - l.slip
	if grip <= 0 {
		return dist, false
	}
	// Filament travel that flips the FINDA.
	need := -l.tip
	if !triggered {
		need = -(l.tip + 0.1)
	}
	travel := need / grip
	if math.Abs(travel) > math.Abs(dist) || travel*dist < 0 {
		p.feedLocked(dist)
		return dist, false
	}
	l.tip += need
	return travel, true
}

// extrude moves whichever filament the gear grips by de. A pending grip
// failure leaves a filament that just reached the gear ungripped, and
// forward moves do not advance it until the pulley pushes it again.
func (p *Path) extrude(de float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.lanes {
		l := &p.lanes[i]
		if l.tip < p.geo.Gear {
			continue
		}
		if de > 0 && l.tip < p.geo.Sensor && (l.ungripped || p.gripFailures > 0) {
			if !l.ungripped {
				p.gripFailures--
				l.ungripped = true
			}
			return false
		}
		l.tip = math.Min(l.tip+de, p.geo.Nozzle)
		return true
	}
	return false
}

// sweep moves the selector from its current position to pos. Crossing a
// slot whose filament reaches past the blade cuts it when cutting is
// allowed and blocks the selector otherwise.
func (p *Path) sweep(pos float64, canCut bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	from := p.selector
	lo, hi := math.Min(from, pos), math.Max(from, pos)
	if from != pos {
		for i, slot := range p.cfg.SelectorPositions {
			l := &p.lanes[i]
			if slot < lo-p.geo.SlotTolerance || slot > hi+p.geo.SlotTolerance || l.tip <= p.geo.Blade {
				continue
			}
			if !canCut {
				return errSelectorBlocked
			}
			l.tip = p.geo.Blade
			p.cuts++
		}
	}
	p.selector = pos
	return nil
}

// SelectorHomed reports whether the selector rests on its endstop.
func (p *Path) SelectorHomed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selector <= 0
}

func (p *Path) selectorPosition() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selector
}

func (p *Path) load(id int, tip float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lanes[id].tip = tip
	p.selector = p.cfg.SelectorPositions[id]
}
