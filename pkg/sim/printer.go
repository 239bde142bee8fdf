// Simulated printer hosting an MMU3
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package sim provides an in-process printer that an MMU can drive: manual
// steppers over a filament path model, the FINDA and extruder sensors,
// runout sensors, a hotend and the G-code macros the MMU relies on.
package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	herrors "klipper-mmu/pkg/errors"
	"klipper-mmu/pkg/gcode"
	"klipper-mmu/pkg/log"
	"klipper-mmu/pkg/mmu"
	"klipper-mmu/pkg/tmc"
)

// encoderDetectionLength is the extruder travel without encoder pulses
// that the motion sensor reports as a runout.
const encoderDetectionLength = 7.0

// DefaultRammingScript is installed under the configured ramming macro name.
const DefaultRammingScript = `G91
G1 E5 F600
G1 E-15 F3000
G90`

// Printer is a simulated printer with an MMU3 attached.
type Printer struct {
	cfg      mmu.Config
	scenario Scenario
	logger   *zerolog.Logger

	path     *Path
	toolhead *Toolhead
	move     *gcodeMove
	heater   *Heater

	idler    *Stepper
	pulley   *Stepper
	selector *Stepper
	driver   *tmc.Driver
	bank     *tmc.Bank

	switchSensor *RunoutHelper
	motionSensor *EncoderSensor

	dispatcher *gcode.Dispatcher

	mu          sync.Mutex
	paused      bool
	idleTimeout float64
	display     string
	beeps       int
}

type options struct {
	scenario Scenario
	geometry *Geometry
	ramming  string
}

// Option configures a Printer.
type Option func(*options)

// WithScenario sets the starting state and faults.
func WithScenario(sc Scenario) Option {
	return func(o *options) { o.scenario = sc }
}

// WithGeometry overrides the path geometry derived from the config.
func WithGeometry(geo Geometry) Option {
	return func(o *options) { o.geometry = &geo }
}

// WithRammingScript replaces the body of the ramming macro.
func WithRammingScript(script string) Option {
	return func(o *options) { o.ramming = script }
}

// New builds a printer for cfg.
func New(cfg mmu.Config, opts ...Option) (*Printer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{ramming: DefaultRammingScript}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.scenario.validate(cfg.NumberOfTools); err != nil {
		return nil, herrors.Wrap(err, herrors.ErrConfigValidation, "invalid scenario")
	}
	geo := DefaultGeometry(cfg)
	if o.geometry != nil {
		geo = *o.geometry
	}
	temp := o.scenario.Temperature
	if temp == 0 {
		temp = 215
	}

	p := &Printer{
		cfg:      cfg,
		scenario: o.scenario,
		logger:   log.GetLogger("sim"),
		path:     newPath(cfg, geo),
		toolhead: &Toolhead{},
		heater:   newHeater(temp),
	}
	o.scenario.apply(p.path)

	driver, err := tmc.NewDriver(cfg.SelectorStepperName, tmc.DriverConfig{
		RunCurrent:     cfg.SelectorRunCurrent,
		HoldCurrent:    0.300,
		SenseResistor:  0.110,
		StallThreshold: uint32(cfg.SelectorSGTHRS),
	})
	if err != nil {
		return nil, herrors.Wrap(err, herrors.ErrConfigValidation, "selector driver").SetStage(mmu.SectionName)
	}
	p.driver = driver
	p.bank = tmc.NewBank(driver)

	p.idler = newStepper("idler_stepper", p.toolhead, idlerModel{p.path}, 100, 80)
	p.pulley = newStepper("pulley_stepper", p.toolhead, pulleyModel{p.path}, 80, 80)
	p.selector = newStepper(cfg.SelectorStepperName, p.toolhead, selectorModel{
		path:    p.path,
		stallOK: func() bool { return driver.Field("sgthrs") == 0 },
		stalled: func() bool { return o.scenario.SelectorStall },
	}, cfg.SelectorSpeed, cfg.SelectorAccel)
	p.selector.commandedPos = p.path.selectorPosition()
	for _, s := range []*Stepper{p.idler, p.pulley, p.selector} {
		s.observe = p.observe
	}

	p.switchSensor = newRunoutHelper(shortName(cfg.FilamentSwitchSensorName), p.path.AtGear(), p.logger)
	p.motionSensor = newEncoderSensor(shortName(cfg.FilamentMotionSensorName), encoderDetectionLength, p.logger)
	p.move = newGCodeMove(p.toolhead, func(de float64) {
		moved := p.path.extrude(de)
		p.motionSensor.extruded(de, moved)
		p.observe()
	})

	p.dispatcher = gcode.NewDispatcher()
	p.registerCommands(o.ramming)
	p.logger.Debug().Str("scenario", o.scenario.Name).Float64("temp", temp).Msg("simulated printer ready")
	return p, nil
}

// shortName strips the object type from a config section name, so
// "filament_switch_sensor my_sensor" becomes "my_sensor".
func shortName(section string) string {
	fields := strings.Fields(section)
	if len(fields) == 0 {
		return section
	}
	return fields[len(fields)-1]
}

// observe updates the switch sensor after filament moved.
func (p *Printer) observe() {
	p.switchSensor.NoteFilamentPresent(p.path.AtGear())
}

func (p *Printer) registerCommands(ramming string) {
	d := p.dispatcher
	d.Register("G0", p.move.cmdG1, "")
	d.Register("G1", p.move.cmdG1, "")
	d.Register("G90", p.move.cmdG90, "")
	d.Register("G91", p.move.cmdG91, "")
	d.Register("G92", p.move.cmdG92, "")
	d.Register("M82", p.move.cmdM82, "")
	d.Register("M83", p.move.cmdM83, "")
	d.Register("G4", p.cmdG4, "")
	d.Register("M400", p.cmdM400, "")
	d.Register("M104", p.heater.cmdM104, "")
	d.Register("M109", p.heater.cmdM109, "")
	d.Register("M117", p.cmdM117, "")
	d.Register("M118", p.cmdM118, "")
	d.Register("M300", p.cmdM300, "")
	d.Register("PAUSE", p.cmdPause, "Pauses the current print")
	d.Register("RESUME", p.cmdResume, "Resumes the print from a pause")
	d.Register("SAVE_GCODE_STATE", p.cmdSaveGCodeState, "Save G-Code coordinate state")
	d.Register("RESTORE_GCODE_STATE", p.cmdRestoreGCodeState, "Restore a previously saved G-Code state")
	d.Register("SET_IDLE_TIMEOUT", p.cmdSetIdleTimeout, "Set the idle timeout in seconds")
	d.Register("QUERY_FILAMENT_SENSOR", p.cmdQueryFilamentSensor, "Query the status of the Filament Sensor")
	d.Register("SET_FILAMENT_SENSOR", p.cmdSetFilamentSensor, "Sets the filament sensor on/off")
	if p.cfg.RammingMacro != "" {
		d.Register(p.cfg.RammingMacro, func(ctx context.Context, _ *gcode.Command) error {
			return d.RunScript(ctx, ramming)
		}, "Ram the filament tip before unloading")
	}
	p.bank.Register(d)
}

func (p *Printer) cmdG4(_ context.Context, cmd *gcode.Command) error {
	ms, err := cmd.GetFloat("P", 0)
	if err != nil {
		return err
	}
	p.toolhead.advance(ms / 1000)
	return nil
}

func (p *Printer) cmdM400(ctx context.Context, _ *gcode.Command) error {
	return p.toolhead.WaitMoves(ctx)
}

func (p *Printer) cmdM117(_ context.Context, cmd *gcode.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.display = cmd.RawParams()
	return nil
}

func (p *Printer) cmdM118(_ context.Context, cmd *gcode.Command) error {
	p.dispatcher.Respond(cmd.RawParams())
	return nil
}

func (p *Printer) cmdM300(context.Context, *gcode.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beeps++
	return nil
}

func (p *Printer) cmdPause(_ context.Context, cmd *gcode.Command) error {
	p.mu.Lock()
	was := p.paused
	p.paused = true
	p.mu.Unlock()
	if was {
		cmd.RespondInfo("Print already paused")
		return nil
	}
	p.logger.Info().Msg("print paused")
	return nil
}

func (p *Printer) cmdResume(_ context.Context, cmd *gcode.Command) error {
	p.mu.Lock()
	was := p.paused
	p.paused = false
	p.mu.Unlock()
	if !was {
		cmd.RespondInfo("Print is not paused, resume aborted")
		return nil
	}
	p.logger.Info().Msg("print resumed")
	return nil
}

func (p *Printer) cmdSaveGCodeState(_ context.Context, cmd *gcode.Command) error {
	name, err := cmd.Get("NAME", "default")
	if err != nil {
		return err
	}
	p.move.saveState(name)
	return nil
}

func (p *Printer) cmdRestoreGCodeState(_ context.Context, cmd *gcode.Command) error {
	name, err := cmd.Get("NAME", "default")
	if err != nil {
		return err
	}
	if err := p.move.restoreState(name); err != nil {
		return herrors.Wrap(err, herrors.ErrGCodeInvalidParam, "restore failed")
	}
	return nil
}

func (p *Printer) cmdSetIdleTimeout(_ context.Context, cmd *gcode.Command) error {
	timeout, err := cmd.GetFloat("TIMEOUT")
	if err != nil {
		return err
	}
	if timeout <= 0 {
		return herrors.GCodeInvalidParameterError(cmd.Name, "TIMEOUT", cmd.Params["TIMEOUT"], "must be above 0")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleTimeout = timeout
	return nil
}

func (p *Printer) sensorFor(cmd *gcode.Command) (*RunoutHelper, error) {
	name, err := cmd.Get("SENSOR")
	if err != nil {
		return nil, err
	}
	switch name {
	case p.switchSensor.name:
		return p.switchSensor, nil
	case p.motionSensor.name:
		return p.motionSensor.RunoutHelper, nil
	}
	return nil, herrors.GCodeInvalidParameterError(cmd.Name, "SENSOR", name, "unknown filament sensor")
}

func (p *Printer) cmdQueryFilamentSensor(ctx context.Context, cmd *gcode.Command) error {
	rh, err := p.sensorFor(cmd)
	if err != nil {
		return err
	}
	return rh.cmdQuery(ctx, cmd)
}

func (p *Printer) cmdSetFilamentSensor(ctx context.Context, cmd *gcode.Command) error {
	rh, err := p.sensorFor(cmd)
	if err != nil {
		return err
	}
	return rh.cmdSet(ctx, cmd)
}

// Hardware returns the MMU collaborators backed by this printer.
func (p *Printer) Hardware() mmu.Hardware {
	return mmu.Hardware{
		Idler:           p.idler,
		Pulley:          p.pulley,
		Selector:        p.selector,
		Finda:           Endstop{read: p.path.InFinda},
		SelectorEndstop: Endstop{read: p.path.SelectorHomed},
		Toolhead:        p.toolhead,
		Extruder:        ExtruderSensor{path: p.path},
		SwitchSensor:    p.switchSensor,
		MotionSensor:    p.motionSensor,
		Heater:          p.heater,
		Scripts:         p.dispatcher,
		Clock:           p.toolhead,
	}
}

// Attach creates an MMU over this printer and registers its commands.
// Console messages go to the dispatcher output unless an option overrides
// them.
func (p *Printer) Attach(opts ...mmu.Option) (*mmu.MMU, error) {
	opts = append([]mmu.Option{mmu.WithConsole(mmu.ResponderFunc(p.dispatcher.RespondInfo))}, opts...)
	m, err := mmu.New(p.cfg, p.Hardware(), opts...)
	if err != nil {
		return nil, err
	}
	m.Register(p.dispatcher)
	return m, nil
}

// Dispatcher returns the printer's G-code dispatcher.
func (p *Printer) Dispatcher() *gcode.Dispatcher {
	return p.dispatcher
}

// Path returns the filament path model.
func (p *Printer) Path() *Path {
	return p.path
}

// Heater returns the hotend.
func (p *Printer) Heater() *Heater {
	return p.heater
}

// Selector returns the selector stepper.
func (p *Printer) Selector() *Stepper {
	return p.selector
}

// Driver returns the selector's TMC driver.
func (p *Printer) Driver() *tmc.Driver {
	return p.driver
}

// Runouts returns the runouts seen by the switch and motion sensors.
func (p *Printer) Runouts() (switchSensor, motionSensor int) {
	return p.switchSensor.Runouts(), p.motionSensor.Runouts()
}

// Display returns the last M117 message.
func (p *Printer) Display() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.display
}

// PrintPaused reports whether PAUSE ran without a matching RESUME.
func (p *Printer) PrintPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Beeps returns the number of M300 commands seen.
func (p *Printer) Beeps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.beeps
}

// Status returns the printer objects a status query can ask for.
func (p *Printer) Status() map[string]any {
	cur, target := p.heater.Temperature(p.toolhead.LastMoveTime())
	pos := p.move.position()
	p.mu.Lock()
	paused, display, timeout := p.paused, p.display, p.idleTimeout
	p.mu.Unlock()

	tips := make([]float64, p.cfg.NumberOfTools)
	for i := range tips {
		tips[i] = p.path.Tip(i)
	}
	return map[string]any{
		"extruder": map[string]any{
			"temperature": cur,
			"target":      target,
		},
		"gcode_move": map[string]any{
			"gcode_position": pos[:],
		},
		"pause_resume": map[string]any{"is_paused": paused},
		"display_status": map[string]any{"message": display},
		"idle_timeout":   map[string]any{"timeout": timeout},
		p.cfg.FilamentSwitchSensorName: p.switchSensor.GetStatus(),
		p.cfg.FilamentMotionSensorName: p.motionSensor.GetStatus(),
		"mmu3_path": map[string]any{
			"tips":     tips,
			"cuts":     p.path.Cuts(),
			"in_finda": p.path.InFinda(),
		},
		fmt.Sprintf("tmc2209 %s", p.cfg.SelectorStepperName): map[string]any{
			"run_current": p.driver.RunCurrent(),
			"sgthrs":      p.driver.Field("sgthrs"),
		},
	}
}
