package tmc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-mmu/pkg/gcode"
)

func TestRegisterImage(t *testing.T) {
	img := newRegisterImage(tmc2209Layout)

	require.NoError(t, img.set("irun", 20))
	assert.Equal(t, uint32(20<<8), img.values["IHOLD_IRUN"])
	assert.Equal(t, uint32(20), img.get("IRUN"))

	require.NoError(t, img.set("ihold", 7))
	assert.Equal(t, uint32(20), img.get("irun"), "neighbouring field untouched")

	assert.ErrorContains(t, img.set("irun", 32), "out of range")
	assert.ErrorContains(t, img.set("bogus", 1), "unknown field")

	dump := img.dump()
	require.Len(t, dump, len(tmc2209Layout))
	assert.Equal(t, "IHOLD_IRUN: 00001407 ihold=7 irun=20", dump[1])
}

func TestCurrentBits(t *testing.T) {
	for _, amps := range []float64{0.3, 0.58, 1.0} {
		cs, vsense := currentBits(amps, 0.110)
		assert.True(t, vsense)
		assert.InDelta(t, amps, bitsCurrent(cs, vsense, 0.110), 0.04, "%.2fA", amps)
	}
	cs, vsense := currentBits(2.0, 0.110)
	assert.False(t, vsense)
	assert.LessOrEqual(t, cs, uint32(31))
}

func TestNewDriverRejectsSenseResistor(t *testing.T) {
	_, err := NewDriver("selector_stepper", DriverConfig{RunCurrent: 0.5})
	assert.Error(t, err)
}

func TestDriverDefaults(t *testing.T) {
	d, err := NewDriver("selector_stepper", DefaultDriverConfig())
	require.NoError(t, err)
	assert.Equal(t, uint32(96), d.Field("sgthrs"))
	assert.InDelta(t, 0.58, d.RunCurrent(), 0.02)
	assert.Less(t, d.Field("ihold"), d.Field("irun"))
	assert.Len(t, d.Dump(), 5)
}

func TestBankCommands(t *testing.T) {
	drv, err := NewDriver("selector_stepper", DefaultDriverConfig())
	require.NoError(t, err)
	disp := gcode.NewDispatcher()
	NewBank(drv).Register(disp)
	ctx := context.Background()

	ov := Override{
		Stepper: "selector_stepper",
		Active:  StallSettings{Threshold: 0, Current: 1.0},
		Nominal: StallSettings{Threshold: 96, Current: 0.58},
	}
	require.NoError(t, ov.Validate())

	require.NoError(t, disp.RunScript(ctx, ov.ApplyScript()))
	assert.Zero(t, drv.Field("sgthrs"))
	assert.InDelta(t, 1.0, drv.RunCurrent(), 0.04)

	require.NoError(t, disp.RunScript(ctx, ov.RestoreScript()))
	assert.Equal(t, uint32(96), drv.Field("sgthrs"))
	assert.InDelta(t, 0.58, drv.RunCurrent(), 0.02)

	assert.Error(t, disp.Run(ctx, "SET_TMC_FIELD STEPPER=pulley_stepper FIELD=SGTHRS VALUE=1"))
	assert.Error(t, disp.Run(ctx, "SET_TMC_FIELD STEPPER=selector_stepper FIELD=SGTHRS VALUE=300"))
	assert.Error(t, disp.Run(ctx, "SET_TMC_CURRENT STEPPER=selector_stepper CURRENT=0"))

	var out []string
	disp.AddOutput(func(line string) { out = append(out, line) })
	require.NoError(t, disp.Run(ctx, "DUMP_TMC"))
	assert.Contains(t, out[0], "selector_stepper")
}

func TestOverrideValidate(t *testing.T) {
	assert.Error(t, Override{}.Validate())
	assert.Error(t, Override{Stepper: "s", Active: StallSettings{Threshold: 256, Current: 1}, Nominal: StallSettings{Current: 1}}.Validate())
	assert.Error(t, Override{Stepper: "s", Active: StallSettings{Current: 1}, Nominal: StallSettings{}}.Validate())
	assert.Equal(t,
		"SET_TMC_FIELD STEPPER=s FIELD=SGTHRS VALUE=0\nSET_TMC_CURRENT STEPPER=s CURRENT=1.000",
		Override{Stepper: "s", Active: StallSettings{Current: 1}}.ApplyScript())
}
