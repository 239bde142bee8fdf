// MMU3 configuration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"fmt"

	"klipper-mmu/pkg/config"
)

// SectionName is the configuration section read by FromSection.
const SectionName = "mmu3"

// Config holds the [mmu3] settings. Lengths are mm, speeds mm/s,
// accelerations mm/s^2, temperatures Celsius and dwell times ms.
type Config struct {
	Debug         bool
	NumberOfTools int
	TimeoutPause  int // seconds
	DisableHeater int // seconds

	BowdenLoadLength1  float64
	BowdenLoadLength2  float64
	BowdenLoadSpeed1   float64
	BowdenLoadSpeed2   float64
	BowdenLoadAccel1   float64
	BowdenLoadAccel2   float64
	BowdenUnloadLength float64
	BowdenUnloadSpeed  float64
	BowdenUnloadAccel  float64

	FindaLoadRetry    int
	FindaUnloadRetry  int
	FindaLoadLength   float64
	FindaUnloadLength float64
	FindaLoadSpeed    float64
	FindaUnloadSpeed  float64
	FindaLoadAccel    float64
	FindaUnloadAccel  float64

	CutFilamentLength   float64
	CuttingEdgeRetract  float64
	CutStepperCurrent   float64
	CutSelectorPosition float64
	SelectorSGTHRS      int
	SelectorRunCurrent  float64

	SelectorSpeed          float64
	SelectorHomingSpeed    float64
	SelectorAccel          float64
	SelectorHomingDistance float64
	SelectorPositions      []float64

	IdlerPositions           []float64
	IdlerHomePosition        float64
	IdlerLoadToExtruderSpeed float64
	IdlerUnloadSpeed         float64

	PauseBeforeDisablingSteppers float64
	PauseAfterDisablingSteppers  float64
	PausePosition                []float64

	MinTempExtruder   float64
	ExtruderEjectTemp float64

	NoSelectorMode bool
	LoadRetry      int
	UnloadRetry    int

	RammingMacro             string
	SelectorStepperName      string
	FilamentSwitchSensorName string
	FilamentMotionSensorName string
}

// DefaultConfig returns the stock MMU3 settings.
func DefaultConfig() Config {
	return Config{
		NumberOfTools: 5,
		TimeoutPause:  36000,
		DisableHeater: 600,

		BowdenLoadLength1:  450,
		BowdenLoadLength2:  20,
		BowdenLoadSpeed1:   120,
		BowdenLoadSpeed2:   60,
		BowdenLoadAccel1:   80,
		BowdenLoadAccel2:   80,
		BowdenUnloadLength: 830,
		BowdenUnloadSpeed:  120,
		BowdenUnloadAccel:  120,

		FindaLoadRetry:    20,
		FindaUnloadRetry:  10,
		FindaLoadLength:   120,
		FindaUnloadLength: 30,
		FindaLoadSpeed:    20,
		FindaUnloadSpeed:  20,
		FindaLoadAccel:    50,
		FindaUnloadAccel:  50,

		CutFilamentLength:   20,
		CuttingEdgeRetract:  5,
		CutStepperCurrent:   1.0,
		CutSelectorPosition: 5,
		SelectorSGTHRS:      96,
		SelectorRunCurrent:  0.58,

		SelectorSpeed:          35,
		SelectorHomingSpeed:    20,
		SelectorAccel:          200,
		SelectorHomingDistance: 76,
		SelectorPositions:      []float64{73.5, 59.375, 45.25, 31.125, 17},

		IdlerPositions:           []float64{5, 20, 35, 50, 65},
		IdlerHomePosition:        85,
		IdlerLoadToExtruderSpeed: 30,
		IdlerUnloadSpeed:         30,

		PauseBeforeDisablingSteppers: 50,
		PauseAfterDisablingSteppers:  200,
		PausePosition:                []float64{0, 200, 10},

		MinTempExtruder:   180,
		ExtruderEjectTemp: 200,

		LoadRetry:   5,
		UnloadRetry: 5,

		RammingMacro:             "RAMMING_SLICER",
		SelectorStepperName:      "selector_stepper",
		FilamentSwitchSensorName: "filament_switch_sensor my_filament_sensor",
		FilamentMotionSensorName: "filament_motion_sensor encoder_sensor",
	}
}

// sectionReader reads options in order and keeps the first error.
type sectionReader struct {
	s   *config.Section
	err error
}

func (r *sectionReader) float(option string, fallback float64, bounds ...config.Bound) float64 {
	if r.err != nil {
		return fallback
	}
	v, err := r.s.GetFloat(option, &fallback, bounds...)
	r.err = err
	return v
}

func (r *sectionReader) positive(option string, fallback float64) float64 {
	return r.float(option, fallback, config.Above(0))
}

func (r *sectionReader) integer(option string, fallback int, bounds ...config.Bound) int {
	if r.err != nil {
		return fallback
	}
	v, err := r.s.GetInt(option, &fallback, bounds...)
	r.err = err
	return v
}

func (r *sectionReader) count(option string, fallback int) int {
	return r.integer(option, fallback, config.Min(1))
}

func (r *sectionReader) boolean(option string, fallback bool) bool {
	if r.err != nil {
		return fallback
	}
	v, err := r.s.GetBool(option, &fallback)
	r.err = err
	return v
}

func (r *sectionReader) str(option, fallback string) string {
	if r.err != nil {
		return fallback
	}
	v, err := r.s.Get(option, fallback)
	r.err = err
	return v
}

func (r *sectionReader) list(option string, fallback []float64) []float64 {
	if r.err != nil {
		return fallback
	}
	v, err := r.s.GetFloatList(option, ",", fallback)
	r.err = err
	return v
}

// FromSection reads an [mmu3] section on top of DefaultConfig and validates
// the result.
func FromSection(s *config.Section) (Config, error) {
	d := DefaultConfig()
	r := &sectionReader{s: s}
	c := Config{
		Debug:         r.boolean("debug", d.Debug),
		NumberOfTools: r.count("number_of_tools", d.NumberOfTools),
		TimeoutPause:  r.count("timeout_pause", d.TimeoutPause),
		DisableHeater: r.count("disable_heater", d.DisableHeater),

		BowdenLoadLength1:  r.float("bowden_load_length1", d.BowdenLoadLength1),
		BowdenLoadLength2:  r.float("bowden_load_length2", d.BowdenLoadLength2),
		BowdenLoadSpeed1:   r.positive("bowden_load_speed1", d.BowdenLoadSpeed1),
		BowdenLoadSpeed2:   r.positive("bowden_load_speed2", d.BowdenLoadSpeed2),
		BowdenLoadAccel1:   r.positive("bowden_load_accel1", d.BowdenLoadAccel1),
		BowdenLoadAccel2:   r.positive("bowden_load_accel2", d.BowdenLoadAccel2),
		BowdenUnloadLength: r.float("bowden_unload_length", d.BowdenUnloadLength),
		BowdenUnloadSpeed:  r.positive("bowden_unload_speed", d.BowdenUnloadSpeed),
		BowdenUnloadAccel:  r.positive("bowden_unload_accel", d.BowdenUnloadAccel),

		FindaLoadRetry:    r.count("finda_load_retry", d.FindaLoadRetry),
		FindaUnloadRetry:  r.count("finda_unload_retry", d.FindaUnloadRetry),
		FindaLoadLength:   r.float("finda_load_length", d.FindaLoadLength),
		FindaUnloadLength: r.float("finda_unload_length", d.FindaUnloadLength),
		FindaLoadSpeed:    r.positive("finda_load_speed", d.FindaLoadSpeed),
		FindaUnloadSpeed:  r.positive("finda_unload_speed", d.FindaUnloadSpeed),
		FindaLoadAccel:    r.positive("finda_load_accel", d.FindaLoadAccel),
		FindaUnloadAccel:  r.positive("finda_unload_accel", d.FindaUnloadAccel),

		CutFilamentLength:   r.float("cut_filament_length", d.CutFilamentLength),
		CuttingEdgeRetract:  r.float("cutting_edge_retract", d.CuttingEdgeRetract),
		CutStepperCurrent:   r.positive("cut_stepper_current", d.CutStepperCurrent),
		CutSelectorPosition: r.float("cut_selector_position", d.CutSelectorPosition),
		SelectorSGTHRS:      r.integer("selector_sgthrs", d.SelectorSGTHRS, config.Min(0), config.Max(255)),
		SelectorRunCurrent:  r.positive("selector_run_current", d.SelectorRunCurrent),

		SelectorSpeed:          r.positive("selector_speed", d.SelectorSpeed),
		SelectorHomingSpeed:    r.positive("selector_homing_speed", d.SelectorHomingSpeed),
		SelectorAccel:          r.positive("selector_accel", d.SelectorAccel),
		SelectorHomingDistance: r.positive("selector_homing_distance", d.SelectorHomingDistance),
		SelectorPositions:      r.list("selector_positions", d.SelectorPositions),

		IdlerPositions:           r.list("idler_positions", d.IdlerPositions),
		IdlerHomePosition:        r.float("idler_home_position", d.IdlerHomePosition),
		IdlerLoadToExtruderSpeed: r.positive("idler_load_to_extruder_speed", d.IdlerLoadToExtruderSpeed),
		IdlerUnloadSpeed:         r.positive("idler_unload_speed", d.IdlerUnloadSpeed),

		PauseBeforeDisablingSteppers: r.float("pause_before_disabling_steppers", d.PauseBeforeDisablingSteppers),
		PauseAfterDisablingSteppers:  r.float("pause_after_disabling_steppers", d.PauseAfterDisablingSteppers),
		PausePosition:                r.list("pause_position", d.PausePosition),

		MinTempExtruder:   r.float("min_temp_extruder", d.MinTempExtruder),
		ExtruderEjectTemp: r.float("extruder_eject_temp", d.ExtruderEjectTemp),

		NoSelectorMode: r.boolean("enable_no_selector_mode", d.NoSelectorMode),
		LoadRetry:      r.count("load_retry", d.LoadRetry),
		UnloadRetry:    r.count("unload_retry", d.UnloadRetry),

		RammingMacro:             r.str("ramming_macro", d.RammingMacro),
		SelectorStepperName:      r.str("selector_stepper_name", d.SelectorStepperName),
		FilamentSwitchSensorName: r.str("filament_switch_sensor_name", d.FilamentSwitchSensorName),
		FilamentMotionSensorName: r.str("filament_motion_sensor_name", d.FilamentMotionSensorName),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks cross-option constraints.
func (c Config) Validate() error {
	if c.NumberOfTools < 1 {
		return config.NewConfigError(SectionName, "number_of_tools", "must have minimum of 1")
	}
	if len(c.IdlerPositions) != c.NumberOfTools {
		return config.NewConfigError(SectionName, "idler_positions",
			fmt.Sprintf("expected %d positions, got %d", c.NumberOfTools, len(c.IdlerPositions)))
	}
	if len(c.SelectorPositions) != c.NumberOfTools {
		return config.NewConfigError(SectionName, "selector_positions",
			fmt.Sprintf("expected %d positions, got %d", c.NumberOfTools, len(c.SelectorPositions)))
	}
	if len(c.PausePosition) != 3 {
		return config.NewConfigError(SectionName, "pause_position",
			fmt.Sprintf("expected 3 coordinates, got %d", len(c.PausePosition)))
	}
	for name, n := range map[string]int{
		"finda_load_retry":   c.FindaLoadRetry,
		"finda_unload_retry": c.FindaUnloadRetry,
		"load_retry":         c.LoadRetry,
		"unload_retry":       c.UnloadRetry,
	} {
		if n < 1 {
			return config.NewConfigError(SectionName, name, "must have minimum of 1")
		}
	}
	if c.SelectorSGTHRS < 0 || c.SelectorSGTHRS > 255 {
		return config.NewConfigError(SectionName, "selector_sgthrs", "must be within 0..255")
	}
	if c.RammingMacro == "" {
		return config.NewConfigError(SectionName, "ramming_macro", "must not be empty")
	}
	return nil
}
