package sim

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "klipper-mmu/pkg/errors"
	"klipper-mmu/pkg/log"
	"klipper-mmu/pkg/metrics"
	"klipper-mmu/pkg/mmu"
)

type console struct {
	mu    sync.Mutex
	lines []string
}

func (c *console) write(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *console) has(line string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if l == line {
			return true
		}
	}
	return false
}

type bench struct {
	p   *Printer
	m   *mmu.MMU
	mm  *metrics.MMUMetrics
	out *console
}

func newBench(t *testing.T, opts ...Option) *bench {
	t.Helper()
	p, err := New(mmu.DefaultConfig(), opts...)
	require.NoError(t, err)
	b := &bench{p: p, mm: metrics.NewMMUMetrics(), out: &console{}}
	p.Dispatcher().AddOutput(b.out.write)
	b.m, err = p.Attach(mmu.WithMetrics(b.mm), mmu.WithLogger(log.Nop()))
	require.NoError(t, err)
	return b
}

func (b *bench) home(t *testing.T) *bench {
	t.Helper()
	require.NoError(t, b.m.HomeMMU(context.Background()))
	return b
}

func (b *bench) run(t *testing.T, script string) error {
	t.Helper()
	return b.p.Dispatcher().RunScript(context.Background(), script)
}

func TestHomeLeavesPathEmpty(t *testing.T) {
	b := newBench(t).home(t)
	geo := DefaultGeometry(b.m.Config())

	st := b.m.Status()
	assert.True(t, st.IsHomed)
	assert.Equal(t, mmu.NoTool, st.CurrentTool)
	assert.Equal(t, mmu.NoTool, st.CurrentFilament)
	for id := 0; id < st.NumberOfTools; id++ {
		assert.Equal(t, geo.Park, b.p.Path().Tip(id), "lane %d", id)
	}
	assert.Equal(t, b.m.Config().SelectorPositions[0], b.p.Selector().Position())
	assert.Equal(t, "Homing MMU ended ...", b.p.Display())
}

func TestChangeToolCycles(t *testing.T) {
	ctx := context.Background()
	b := newBench(t).home(t)
	geo := DefaultGeometry(b.m.Config())

	require.NoError(t, b.m.ChangeTool(ctx, 1))
	assert.InDelta(t, geo.Sensor+15, b.p.Path().Tip(1), 1e-9)
	assert.True(t, b.p.Path().InExtruder())
	assert.Equal(t, 1, b.m.Status().CurrentFilament)
	assert.Equal(t, mmu.NoTool, b.m.Status().CurrentTool)

	require.NoError(t, b.m.ChangeTool(ctx, 3))
	assert.InDelta(t, geo.Park-0.1, b.p.Path().Tip(1), 1e-9)
	assert.InDelta(t, geo.Sensor+15, b.p.Path().Tip(3), 1e-9)
	assert.Equal(t, 3, b.m.Status().CurrentFilament)

	st := b.m.Status()
	assert.Equal(t, 2, st.MaterialChanges)
	assert.Equal(t, 2, st.SuccessfulChanges)
	assert.Zero(t, st.Fails)
	assert.EqualValues(t, 1, b.mm.ChangesFor(3))
}

func TestChangeToolSuspendsRunoutSensors(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, WithScenario(Scenario{GripFailures: 1})).home(t)

	require.NoError(t, b.m.ChangeTool(ctx, 0))
	require.NoError(t, b.m.ChangeTool(ctx, 2))

	switchRunouts, motionRunouts := b.p.Runouts()
	assert.Zero(t, switchRunouts)
	assert.Zero(t, motionRunouts)
	hw := b.p.Hardware()
	assert.True(t, hw.SwitchSensor.SensorEnabled())
	assert.True(t, hw.MotionSensor.SensorEnabled())
	assert.NotZero(t, b.p.motionSensor.LastEvent())
}

func TestGripFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, WithScenario(Scenario{GripFailures: 1})).home(t)
	geo := DefaultGeometry(b.m.Config())

	require.NoError(t, b.m.ChangeTool(ctx, 0))

	// One retry pushes 10mm with the pulley, 5mm with the gear and purges 7mm.
	assert.InDelta(t, geo.Sensor+17, b.p.Path().Tip(0), 1e-9)
	assert.EqualValues(t, 1, b.mm.RetryAttempts.Get(metrics.Labels{"stage": "extruder_load"}))
	assert.False(t, b.m.Status().IsPaused)
}

func TestEncoderReportsSlipOutsideToolChange(t *testing.T) {
	b := newBench(t, WithScenario(Scenario{GripFailures: 1})).home(t)

	require.NoError(t, b.run(t, "SELECT_TOOL VALUE=4\nLOAD_FILAMENT_TO_EXTRUDER\nLOAD_FILAMENT_IN_EXTRUDER"))

	switchRunouts, motionRunouts := b.p.Runouts()
	assert.Zero(t, switchRunouts)
	assert.Equal(t, 1, motionRunouts)
	assert.True(t, b.p.Path().InExtruder())
}

func TestUnloadOutsideToolChangeTripsSwitchSensor(t *testing.T) {
	ctx := context.Background()
	b := newBench(t).home(t)
	require.NoError(t, b.m.ChangeTool(ctx, 1))

	require.NoError(t, b.run(t, "M702"))

	switchRunouts, _ := b.p.Runouts()
	assert.Equal(t, 1, switchRunouts)
	assert.False(t, b.p.Path().InFinda())
	st := b.m.Status()
	assert.Equal(t, mmu.NoTool, st.CurrentFilament)
	assert.Equal(t, mmu.NoTool, st.CurrentTool)
	assert.True(t, b.out.has("// MMU3: M702 ok ..."))
}

func TestSlippingLanePausesPrint(t *testing.T) {
	ctx := context.Background()
	sc := Scenario{Name: "worn gear", Lanes: []LaneFault{{Lane: 2, Slip: 1}}}
	b := newBench(t, WithScenario(sc)).home(t)

	err := b.m.ChangeTool(ctx, 2)

	require.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.ErrMMURetryExhausted))
	assert.True(t, b.m.Status().IsPaused)
	assert.True(t, b.p.PrintPaused())
	assert.Equal(t, 3, b.p.Beeps())
	assert.True(t, b.out.has("Start PAUSE"))
	assert.EqualValues(t, 20, b.mm.RetryAttempts.Get(metrics.Labels{"stage": "finda_load"}))
	assert.True(t, b.p.Hardware().SwitchSensor.SensorEnabled())

	err = b.m.ChangeTool(ctx, 0)
	assert.True(t, herrors.IsGuardRefusal(err))

	require.NoError(t, b.run(t, "UNLOCK_MMU\nRESUME_MMU\nRESUME"))
	assert.False(t, b.m.Status().IsPaused)
	assert.False(t, b.p.PrintPaused())
	assert.True(t, b.out.has("End PAUSE"))
	require.NoError(t, b.m.ChangeTool(ctx, 0))
}

func TestCutThroughDispatcher(t *testing.T) {
	b := newBench(t).home(t)
	geo := DefaultGeometry(b.m.Config())
	cfg := b.m.Config()

	require.NoError(t, b.run(t, "K1"))

	assert.Equal(t, 1, b.p.Path().Cuts())
	assert.InDelta(t, geo.Blade-cfg.CuttingEdgeRetract, b.p.Path().Tip(1), 1e-9)
	assert.EqualValues(t, cfg.SelectorSGTHRS, b.p.Driver().Field("sgthrs"))
	assert.InDelta(t, cfg.SelectorRunCurrent, b.p.Driver().RunCurrent(), 0.05)
	assert.Equal(t, 1, b.m.Status().Cuts)
	assert.EqualValues(t, 1, b.mm.Cuts.Get(nil))
	assert.True(t, b.m.Status().IsHomed)
	assert.True(t, b.out.has("// MMU3: Done cutting T1!"))
}

func TestSelectorBlockedByFilament(t *testing.T) {
	sc := Scenario{Loaded: &Loaded{Lane: 2, At: "finda"}}
	b := newBench(t, WithScenario(sc))

	err := b.m.HomeMMUOnly(context.Background())

	assert.True(t, herrors.Is(err, herrors.ErrMMUActuator))
	assert.False(t, b.m.Status().IsHomed)
	assert.Zero(t, b.p.Path().Cuts())
}

func TestHomeRefusesUntrackedFilament(t *testing.T) {
	sc := Scenario{Loaded: &Loaded{Lane: 3, At: "bowden"}}
	b := newBench(t, WithScenario(sc))

	err := b.m.HomeMMU(context.Background())

	assert.True(t, herrors.IsGuardRefusal(err))
	assert.False(t, b.m.Status().IsHomed)
	assert.True(t, b.p.Path().InFinda())
}

func TestHomeEjectsTrackedFilament(t *testing.T) {
	ctx := context.Background()
	b := newBench(t).home(t)
	require.NoError(t, b.m.ChangeTool(ctx, 4))

	require.NoError(t, b.m.HomeMMU(ctx))

	assert.False(t, b.p.Path().InFinda())
	assert.False(t, b.p.Path().InExtruder())
	assert.Equal(t, mmu.NoTool, b.m.Status().CurrentFilament)
	cur, target := b.p.Heater().Temperature(0)
	assert.Zero(t, target)
	assert.Less(t, cur, b.m.Config().MinTempExtruder)
}

func TestSelectorStallFailsHoming(t *testing.T) {
	b := newBench(t, WithScenario(Scenario{SelectorStall: true}))

	err := b.m.HomeMMU(context.Background())

	assert.True(t, herrors.Is(err, herrors.ErrMMUActuator))
	assert.ErrorIs(t, err, errNoTrigger)
	assert.False(t, b.m.Status().IsHomed)
}

func TestColdHotendRefusesLoad(t *testing.T) {
	b := newBench(t, WithScenario(Scenario{Temperature: 150})).home(t)

	err := b.m.ChangeTool(context.Background(), 1)

	assert.True(t, herrors.IsThermalGuard(err))
	assert.True(t, b.m.Status().IsPaused)
	assert.False(t, b.p.Path().InExtruder())
}

func TestFilamentSensorCommands(t *testing.T) {
	b := newBench(t)

	require.NoError(t, b.run(t, "QUERY_FILAMENT_SENSOR SENSOR=my_filament_sensor"))
	assert.True(t, b.out.has("// Filament Sensor my_filament_sensor: filament not detected"))

	require.NoError(t, b.run(t, "SET_FILAMENT_SENSOR SENSOR=encoder_sensor ENABLE=0"))
	assert.False(t, b.p.Hardware().MotionSensor.SensorEnabled())

	err := b.run(t, "QUERY_FILAMENT_SENSOR SENSOR=nope")
	assert.True(t, herrors.Is(err, herrors.ErrGCodeInvalidParam))
}

func TestStatusObjects(t *testing.T) {
	ctx := context.Background()
	b := newBench(t).home(t)
	require.NoError(t, b.m.ChangeTool(ctx, 2))
	require.NoError(t, b.run(t, "SET_IDLE_TIMEOUT TIMEOUT=900"))

	st := b.p.Status()
	assert.Equal(t, map[string]any{"temperature": 215.0, "target": 215.0}, st["extruder"])
	assert.Equal(t, map[string]any{"timeout": 900.0}, st["idle_timeout"])
	path := st["mmu3_path"].(map[string]any)
	assert.Equal(t, true, path["in_finda"])
	sensor := st[b.m.Config().FilamentSwitchSensorName].(map[string]any)
	assert.Equal(t, true, sensor["filament_detected"])
	assert.Equal(t, true, sensor["enabled"])
	assert.Contains(t, st, "tmc2209 selector_stepper")
}

func TestMMUStatusThroughDispatcher(t *testing.T) {
	b := newBench(t).home(t)

	require.NoError(t, b.run(t, "T0\nMMU_STATUS"))

	var found bool
	b.out.mu.Lock()
	for _, l := range b.out.lines {
		if strings.HasPrefix(l, "// ") && strings.Contains(l, "Done T0") {
			found = true
		}
	}
	b.out.mu.Unlock()
	assert.True(t, found)
	assert.Equal(t, "Done T0", b.p.Display())
	assert.EqualValues(t, 1, b.mm.OperationTime.Count(metrics.Labels{"op": "t0"}))
}

func TestNewRejectsBadScenario(t *testing.T) {
	cfg := mmu.DefaultConfig()
	_, err := New(cfg, WithScenario(Scenario{Lanes: []LaneFault{{Lane: 9, Slip: 0.5}}}))
	assert.True(t, herrors.Is(err, herrors.ErrConfigValidation))

	cfg.NumberOfTools = 0
	_, err = New(cfg)
	assert.Error(t, err)
}
