package mmu

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type call struct {
	dev  string
	op   string
	args []float64
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(dev, op string, args ...float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{dev: dev, op: op, args: args})
}

func (r *recorder) count(dev, op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.dev == dev && (op == "" || c.op == op) {
			n++
		}
	}
	return n
}

func (r *recorder) find(dev, op string) []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call
	for _, c := range r.calls {
		if c.dev == dev && c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) motion() int {
	return r.count("idler", "") + r.count("pulley", "") + r.count("selector", "")
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

type fakeStepper struct {
	name string
	rec  *recorder
	pos  float64

	// onMove and onHoming observe motion; onHoming returns whether the
	// endstop triggered.
	onMove   func(pos float64)
	onHoming func(pos float64) bool
	fail     func(pos, speed, accel float64) error
}

func (s *fakeStepper) SetPosition(_ context.Context, pos float64) error {
	s.rec.add(s.name, "set_position", pos)
	s.pos = pos
	return nil
}

func (s *fakeStepper) Move(_ context.Context, pos, speed, accel float64) error {
	s.rec.add(s.name, "move", pos, speed, accel)
	if s.fail != nil {
		if err := s.fail(pos, speed, accel); err != nil {
			return err
		}
	}
	s.pos = pos
	if s.onMove != nil {
		s.onMove(pos)
	}
	return nil
}

func (s *fakeStepper) HomingMove(_ context.Context, pos, speed, accel float64, triggered, checkTrigger bool) (bool, error) {
	s.rec.add(s.name, "homing_move", pos, speed, accel)
	hit := true
	if s.onHoming != nil {
		hit = s.onHoming(pos)
	}
	if checkTrigger && !hit {
		return false, errors.New("no trigger after full movement")
	}
	return hit, nil
}

func (s *fakeStepper) Enable(_ context.Context, on bool) error {
	v := 0.0
	if on {
		v = 1
	}
	s.rec.add(s.name, "enable", v)
	return nil
}

func (s *fakeStepper) Dwell(_ context.Context, seconds float64) error {
	s.rec.add(s.name, "dwell", seconds)
	return nil
}

func (s *fakeStepper) Velocity() float64 { return 50 }
func (s *fakeStepper) Accel() float64    { return 100 }

type fakeSwitch struct {
	mu      sync.Mutex
	present bool
}

func (f *fakeSwitch) set(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present = b
}

func (f *fakeSwitch) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present
}

func (f *fakeSwitch) Query(context.Context, float64) (bool, error) { return f.get(), nil }
func (f *fakeSwitch) FilamentDetected() bool                       { return f.get() }

type fakeToolhead struct{ rec *recorder }

func (t *fakeToolhead) LastMoveTime() float64 { return 12.5 }
func (t *fakeToolhead) WaitMoves(context.Context) error {
	t.rec.add("toolhead", "wait_moves")
	return nil
}

type fakeHeater struct{ temp float64 }

func (h *fakeHeater) Temperature(float64) (float64, float64) { return h.temp, h.temp }

type fakeRunout struct {
	enabled bool
	events  []float64
	history []bool
}

func (f *fakeRunout) SensorEnabled() bool { return f.enabled }
func (f *fakeRunout) SetSensorEnabled(on bool) {
	f.enabled = on
	f.history = append(f.history, on)
}
func (f *fakeRunout) NotifyEvent(t float64) { f.events = append(f.events, t) }

type fakeScripts struct {
	mu     sync.Mutex
	lines  []string
	onLine func(line string) error
}

func (f *fakeScripts) RunScript(_ context.Context, script string) error {
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		f.mu.Lock()
		f.lines = append(f.lines, line)
		hook := f.onLine
		f.mu.Unlock()
		if hook != nil {
			if err := hook(line); err != nil {
				return err
			}
		}
	}
	return nil
}

// ran returns the script lines, without display messages.
func (f *fakeScripts) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, l := range f.lines {
		if !strings.HasPrefix(l, "M117 ") {
			out = append(out, l)
		}
	}
	return out
}

func (f *fakeScripts) has(prefix string) bool {
	for _, l := range f.ran() {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeScripts) count(line string) int {
	n := 0
	for _, l := range f.ran() {
		if l == line {
			n++
		}
	}
	return n
}

type fakeClock struct{ now float64 }

func (c *fakeClock) Monotonic() float64 { return c.now }

type rig struct {
	rec      *recorder
	idler    *fakeStepper
	pulley   *fakeStepper
	selector *fakeStepper
	finda    *fakeSwitch
	selEnd   *fakeSwitch
	extruder *fakeSwitch
	heater   *fakeHeater
	scripts  *fakeScripts
	runout   *fakeRunout
	motion   *fakeRunout
	clock    *fakeClock
	messages []string
	mmu      *MMU
}

func newRig(t *testing.T, mutate ...func(*Config)) *rig {
	t.Helper()
	rec := &recorder{}
	r := &rig{
		rec:      rec,
		idler:    &fakeStepper{name: "idler", rec: rec},
		pulley:   &fakeStepper{name: "pulley", rec: rec},
		selector: &fakeStepper{name: "selector", rec: rec},
		finda:    &fakeSwitch{},
		selEnd:   &fakeSwitch{},
		extruder: &fakeSwitch{},
		heater:   &fakeHeater{temp: 215},
		scripts:  &fakeScripts{},
		runout:   &fakeRunout{enabled: true},
		motion:   &fakeRunout{enabled: true},
		clock:    &fakeClock{now: 42},
	}
	cfg := DefaultConfig()
	cfg.PauseBeforeDisablingSteppers = 0
	cfg.PauseAfterDisablingSteppers = 0
	for _, fn := range mutate {
		fn(&cfg)
	}
	hw := Hardware{
		Idler:           r.idler,
		Pulley:          r.pulley,
		Selector:        r.selector,
		Finda:           r.finda,
		SelectorEndstop: r.selEnd,
		Toolhead:        &fakeToolhead{rec: rec},
		Extruder:        r.extruder,
		SwitchSensor:    r.runout,
		MotionSensor:    r.motion,
		Heater:          r.heater,
		Scripts:         r.scripts,
		Clock:           r.clock,
	}
	m, err := New(cfg, hw, WithConsole(ResponderFunc(func(msg string) {
		r.messages = append(r.messages, msg)
	})))
	require.NoError(t, err)
	r.mmu = m
	return r
}

// homed marks the rig homed without motion.
func (r *rig) homed() *rig {
	r.mmu.setHomed(true)
	return r
}

func (r *rig) said(msg string) bool {
	for _, m := range r.messages {
		if m == "MMU3: "+msg {
			return true
		}
	}
	return false
}

// physics makes the sensors follow the pulley and extruder: feeding toward
// the FINDA triggers it, any retract clears both sensors and the extruder
// gear grabs the filament on the load push.
func (r *rig) physics() *rig {
	r.pulley.onHoming = func(pos float64) bool {
		if pos > 0 {
			r.finda.set(true)
			return true
		}
		r.finda.set(false)
		r.extruder.set(false)
		return true
	}
	r.pulley.onMove = func(pos float64) {
		if pos < 0 {
			r.finda.set(false)
			r.extruder.set(false)
		}
	}
	r.scripts.onLine = func(line string) error {
		switch {
		case line == "G1 E10 F600":
			r.extruder.set(true)
		case strings.HasPrefix(line, "G1 E-"):
			r.extruder.set(false)
		}
		return nil
	}
	return r
}
