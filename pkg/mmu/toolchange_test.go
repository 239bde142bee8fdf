package mmu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "klipper-mmu/pkg/errors"
	"klipper-mmu/pkg/metrics"
)

// withMetrics rebuilds the rig's MMU with a fresh metrics set.
func (r *rig) withMetrics(t *testing.T) *metrics.MMUMetrics {
	t.Helper()
	mm := metrics.NewMMUMetrics()
	m, err := New(r.mmu.cfg, r.mmu.hw, WithMetrics(mm),
		WithConsole(ResponderFunc(func(msg string) { r.messages = append(r.messages, msg) })))
	require.NoError(t, err)
	r.mmu = m
	return mm
}

func TestChangeTool(t *testing.T) {
	ctx := context.Background()
	r := newRig(t).physics()
	mm := r.withMetrics(t)
	r.mmu.setHomed(true)

	require.NoError(t, r.mmu.ChangeTool(ctx, 1))
	st := r.mmu.State()
	assert.Equal(t, 1, st.CurrentFilament)
	assert.Equal(t, NoTool, st.CurrentTool)
	assert.True(t, r.extruder.get())

	require.NoError(t, r.mmu.ChangeTool(ctx, 3))
	assert.Equal(t, 3, r.mmu.State().CurrentFilament)

	stats := r.mmu.Stats()
	assert.Equal(t, 2, stats.MaterialChanges)
	assert.Equal(t, 2, stats.SuccessfulChanges)
	assert.Zero(t, stats.Fails)
	assert.Equal(t, uint64(1), mm.ChangesFor(1))
	assert.Equal(t, uint64(1), mm.ChangesFor(3))
	assert.Equal(t, uint64(2), mm.SuccessfulChanges.Get(nil))
	assert.Equal(t, 3.0, mm.CurrentFilament.Get(nil))

	assert.Equal(t, []bool{false, true, false, true}, r.runout.history)
	assert.Equal(t, []bool{false, true, false, true}, r.motion.history)
	assert.Equal(t, []float64{42, 42}, r.motion.events)
	assert.True(t, r.said("Done T3"))
}

func TestChangeToolIsIdempotent(t *testing.T) {
	r := newRig(t).homed()
	r.mmu.setFilament(3)

	require.NoError(t, r.mmu.ChangeTool(context.Background(), 3))

	assert.Zero(t, r.rec.motion())
	assert.Empty(t, r.scripts.ran())
	assert.Empty(t, r.runout.history)
	assert.Zero(t, r.mmu.Stats().MaterialChanges)
	assert.True(t, r.said("Requested tool 3"))
}

func TestChangeToolWhilePausedCountsNothing(t *testing.T) {
	r := newRig(t)
	mm := r.withMetrics(t)
	r.homed()
	r.mmu.update(func(s *State) { s.Paused = true })

	err := r.mmu.ChangeTool(context.Background(), 2)

	assert.True(t, herrors.Is(err, herrors.ErrMMUPaused), "got %v", err)
	assert.Zero(t, r.mmu.Stats().MaterialChanges)
	assert.Zero(t, mm.MaterialChanges.Get(metrics.Labels{"tool": "2"}))
	assert.Zero(t, r.rec.motion())
	assert.Empty(t, r.runout.history)
}

func TestChangeToolRejectsInvalidTool(t *testing.T) {
	r := newRig(t).homed()

	err := r.mmu.ChangeTool(context.Background(), 7)
	assert.True(t, herrors.Is(err, herrors.ErrMMUInvalidTool))
	assert.Zero(t, r.rec.motion())
}

func TestChangeToolFailureRestoresSensors(t *testing.T) {
	r := newRig(t, func(c *Config) { c.FindaLoadRetry = 2 }).homed()
	r.pulley.onHoming = func(float64) bool { return false }

	err := r.mmu.ChangeTool(context.Background(), 2)

	assert.True(t, herrors.Is(err, herrors.ErrMMURetryExhausted))
	assert.True(t, r.runout.enabled)
	assert.True(t, r.motion.enabled)
	stats := r.mmu.Stats()
	assert.Equal(t, 1, stats.MaterialChanges)
	assert.Zero(t, stats.SuccessfulChanges)
	assert.Equal(t, 1, stats.Fails)
	assert.True(t, r.mmu.State().Paused)
}

func TestChangeToolLeavesDisabledSensorsAlone(t *testing.T) {
	r := newRig(t).homed()
	r.mmu.setFilament(1)
	r.mmu.update(func(s *State) { s.Paused = true })
	r.runout.enabled = false

	err := r.mmu.ChangeTool(context.Background(), 2)

	assert.Error(t, err)
	assert.Empty(t, r.runout.history)
	assert.Equal(t, []bool{false, true}, r.motion.history)
}

func TestUnloadToolNothingLoaded(t *testing.T) {
	r := newRig(t).homed()

	require.NoError(t, r.mmu.UnloadTool(context.Background()))
	assert.Zero(t, r.rec.motion())
	assert.True(t, r.said("No need to unload!"))
}

// A filament seen at the FINDA with no tracked lane is attributed to the
// selected tool. This recovers common cases but cannot be verified.
// Best-effort recovery: the FINDA cannot tell which lane it sees, so the
// selected tool is assumed to own the filament and nothing moves.
func TestUnloadToolAssumesSelectedToolOwnsFindaFilament(t *testing.T) {
	r := newRig(t).homed()
	r.mmu.setTool(2)
	r.finda.set(true)
	r.heater.temp = 25

	require.NoError(t, r.mmu.UnloadTool(context.Background()))

	assert.True(t, r.said("Also setting Current filament to 2"))
	st := r.mmu.State()
	assert.Equal(t, 2, st.CurrentFilament)
	assert.False(t, st.Paused)
	assert.Zero(t, r.rec.motion())
	assert.Empty(t, r.scripts.ran())
	assert.True(t, r.finda.get())
}

func TestUnloadToolCancelsWithoutAnyTool(t *testing.T) {
	r := newRig(t).homed()
	r.finda.set(true)

	err := r.mmu.UnloadTool(context.Background())

	assert.True(t, herrors.Is(err, herrors.ErrMMUNoTool))
	assert.Zero(t, r.rec.motion())
	assert.True(t, r.said("Cancelling unload!!!"))
}

func TestCutFilament(t *testing.T) {
	for id := 0; id < 5; id++ {
		r := newRig(t).homed().physics()

		require.NoError(t, r.mmu.CutFilament(context.Background(), id))

		st := r.mmu.State()
		assert.True(t, st.Homed)
		assert.Equal(t, NoTool, st.CurrentTool)
		assert.Equal(t, NoTool, st.CurrentFilament)
		assert.Equal(t, 1, r.mmu.Stats().Cuts)

		lines := r.scripts.ran()
		apply := indexOf(lines, "SET_TMC_FIELD STEPPER=selector_stepper FIELD=SGTHRS VALUE=0")
		restore := indexOf(lines, "SET_TMC_FIELD STEPPER=selector_stepper FIELD=SGTHRS VALUE=96")
		require.GreaterOrEqual(t, apply, 0)
		assert.Greater(t, restore, apply)
		assert.Equal(t, "SET_TMC_CURRENT STEPPER=selector_stepper CURRENT=1.000", lines[apply+1])
		assert.Equal(t, "SET_TMC_CURRENT STEPPER=selector_stepper CURRENT=0.580", lines[restore+1])

		var blade bool
		for _, c := range r.rec.find("selector", "move") {
			if c.args[0] == 5 {
				blade = true
			}
		}
		assert.True(t, blade, "selector never reached the blade")
		assert.True(t, r.said(fmt.Sprintf("Done cutting T%d!", id)))
	}
}

func TestCutFilamentRestoresDriverOnFailure(t *testing.T) {
	r := newRig(t).homed().physics()
	r.selector.fail = func(pos, speed, accel float64) error {
		if accel == 0 {
			return errors.New("stalled")
		}
		return nil
	}

	err := r.mmu.CutFilament(context.Background(), 1)

	assert.True(t, herrors.Is(err, herrors.ErrMMUActuator))
	lines := r.scripts.ran()
	assert.Greater(t, indexOf(lines, "SET_TMC_FIELD STEPPER=selector_stepper FIELD=SGTHRS VALUE=96"),
		indexOf(lines, "SET_TMC_FIELD STEPPER=selector_stepper FIELD=SGTHRS VALUE=0"))
	assert.Zero(t, r.mmu.Stats().Cuts)
}

func TestCutFilamentGuards(t *testing.T) {
	ctx := context.Background()

	r := newRig(t, func(c *Config) { c.NoSelectorMode = true }).homed()
	err := r.mmu.CutFilament(ctx, 1)
	assert.True(t, herrors.Is(err, herrors.ErrMMUUnsupported))
	assert.True(t, r.said("Cannot perform cut in 5in1 mode!"))
	assert.Zero(t, r.rec.motion())

	r = newRig(t).homed()
	err = r.mmu.CutFilament(ctx, 9)
	assert.True(t, herrors.Is(err, herrors.ErrMMUInvalidTool))

	r = newRig(t, func(c *Config) { c.CutStepperCurrent = 0 }).homed()
	err = r.mmu.CutFilament(ctx, 1)
	assert.True(t, herrors.Is(err, herrors.ErrConfigValidation))
	assert.Zero(t, r.rec.motion())
}

func TestM702(t *testing.T) {
	ctx := context.Background()

	r := newRig(t).homed().physics()
	r.mmu.setFilament(2)
	r.extruder.set(true)
	r.finda.set(true)
	require.NoError(t, r.mmu.M702(ctx))
	assert.Equal(t, NoTool, r.mmu.State().CurrentFilament)
	assert.Equal(t, NoTool, r.mmu.State().CurrentTool)
	assert.True(t, r.said("M702 ok ..."))

	r = newRig(t).homed()
	r.scripts.onLine = func(line string) error {
		// Filament shows up once the unload reported nothing to do.
		if strings.HasSuffix(line, "No need to unload!") {
			r.finda.set(true)
		}
		return nil
	}
	err := r.mmu.M702(ctx)
	assert.True(t, herrors.Is(err, herrors.ErrMMUSensorMismatch))
	assert.True(t, r.said("M702 Error !!!"))
}

func TestM702NoSelector(t *testing.T) {
	r := newRig(t, func(c *Config) { c.NoSelectorMode = true }).homed()
	r.mmu.setTool(1)

	require.NoError(t, r.mmu.M702(context.Background()))
	assert.Equal(t, NoTool, r.mmu.State().CurrentTool)
	assert.Zero(t, r.rec.count("selector", ""))
}

func indexOf(lines []string, s string) int {
	for i, l := range lines {
		if l == s {
			return i
		}
	}
	return -1
}
