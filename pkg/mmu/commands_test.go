package mmu

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "klipper-mmu/pkg/errors"
	"klipper-mmu/pkg/gcode"
	"klipper-mmu/pkg/metrics"
)

func newDispatcher(t *testing.T, r *rig) (*gcode.Dispatcher, *[]string) {
	t.Helper()
	d := gcode.NewDispatcher()
	var out []string
	d.AddOutput(func(line string) { out = append(out, line) })
	r.mmu.Register(d)
	return d, &out
}

func TestRegisterInstallsCommands(t *testing.T) {
	r := newRig(t)
	d, _ := newDispatcher(t, r)

	names := d.Commands()
	for _, name := range r.mmu.Commands() {
		assert.Contains(t, names, name)
	}
	for i := 0; i < 5; i++ {
		assert.Contains(t, names, fmt.Sprintf("T%d", i))
		assert.Contains(t, names, fmt.Sprintf("K%d", i))
	}
	assert.NotContains(t, names, "T5")
	assert.Contains(t, names, "UNLOAD_FILAMENT_TO_FINDA_IN_LOOP")
}

func TestCommandRepliesGoToIssuer(t *testing.T) {
	ctx := context.Background()
	r := newRig(t).homed()
	d, out := newDispatcher(t, r)

	require.NoError(t, d.RunScript(ctx, "SELECT_TOOL VALUE=2"))
	assert.Equal(t, 2, r.mmu.State().CurrentTool)
	assert.Contains(t, *out, "// MMU3: Tool 2 Enabled")
	assert.Empty(t, r.messages)

	err := d.RunScript(ctx, "SELECT_TOOL")
	assert.True(t, herrors.IsGCode(err))
}

func TestEndstopsStatus(t *testing.T) {
	r := newRig(t)
	r.finda.set(true)
	d, out := newDispatcher(t, r)

	require.NoError(t, d.RunScript(context.Background(), "ENDSTOPS_STATUS"))
	assert.Equal(t, []string{
		"// MMU3: Endstop status",
		"// MMU3: ==============",
		"// MMU3: Extruder : False",
		"// MMU3: FINDA : True",
		"// MMU3: Selector : False",
	}, *out)
}

func TestMMUStatusCommand(t *testing.T) {
	r := newRig(t).homed()
	r.mmu.setFilament(4)
	d, out := newDispatcher(t, r)

	require.NoError(t, d.RunScript(context.Background(), "MMU_STATUS"))
	assert.Contains(t, *out, "// MMU3: Current filament : 4")
	assert.Contains(t, *out, "// MMU3: Homed            : True")
}

func TestToolCommandsAreTimed(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	mm := r.withMetrics(t)
	r.mmu.setHomed(true)
	r.mmu.setFilament(1)
	d, _ := newDispatcher(t, r)

	require.NoError(t, d.RunScript(ctx, "T1"))
	assert.Zero(t, r.rec.motion())
	assert.Equal(t, uint64(1), mm.OperationTime.Count(metrics.Labels{"op": "t1"}))

	r.mmu.update(func(s *State) { s.Paused = true })
	err := d.RunScript(ctx, "K1")
	assert.True(t, herrors.Is(err, herrors.ErrMMUPaused))
	assert.Equal(t, uint64(1), mm.OperationTime.Count(metrics.Labels{"op": "k1"}))
}
