package sim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-mmu/pkg/mmu"
)

const slippingScenario = `
name: slipping lane 2
temperature: 190
loaded: {lane: 1, at: extruder}
lanes:
  - {lane: 2, slip: 0.25}
grip_failures: 2
finda_stuck: false
selector_stall: true
`

func TestParseScenario(t *testing.T) {
	sc, err := ParseScenario([]byte(slippingScenario))
	require.NoError(t, err)

	assert.Equal(t, "slipping lane 2", sc.Name)
	assert.Equal(t, 190.0, sc.Temperature)
	require.NotNil(t, sc.Loaded)
	assert.Equal(t, Loaded{Lane: 1, At: "extruder"}, *sc.Loaded)
	assert.Equal(t, []LaneFault{{Lane: 2, Slip: 0.25}}, sc.Lanes)
	assert.Equal(t, 2, sc.GripFailures)
	require.NotNil(t, sc.FindaStuck)
	assert.False(t, *sc.FindaStuck)
	assert.True(t, sc.SelectorStall)
	assert.NoError(t, sc.validate(5))
}

func TestParseScenarioRejectsBadYAML(t *testing.T) {
	_, err := ParseScenario([]byte("lanes: {lane: [}"))
	assert.ErrorContains(t, err, "scenario")
}

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slip.yaml")
	require.NoError(t, os.WriteFile(path, []byte(slippingScenario), 0o644))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "slipping lane 2", sc.Name)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestScenarioValidate(t *testing.T) {
	tests := map[string]Scenario{
		"loaded lane":   {Loaded: &Loaded{Lane: 5, At: "finda"}},
		"load position": {Loaded: &Loaded{Lane: 0, At: "nozzle"}},
		"faulty lane":   {Lanes: []LaneFault{{Lane: -1}}},
		"slip":          {Lanes: []LaneFault{{Lane: 0, Slip: 1.5}}},
		"grip failures": {GripFailures: -1},
	}
	for name, sc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, sc.validate(5))
		})
	}
}

func TestScenarioApply(t *testing.T) {
	cfg := mmu.DefaultConfig()
	geo := DefaultGeometry(cfg)

	for at, want := range map[string]float64{
		"finda":    0,
		"bowden":   geo.Gear / 2,
		"extruder": geo.Sensor + 15,
	} {
		p := newPath(cfg, geo)
		Scenario{Loaded: &Loaded{Lane: 3, At: at}}.apply(p)
		assert.Equal(t, want, p.Tip(3), at)
		assert.Equal(t, cfg.SelectorPositions[3], p.selectorPosition(), at)
		assert.True(t, p.InFinda(), at)
	}

	stuck := true
	p := newPath(cfg, geo)
	Scenario{FindaStuck: &stuck, Lanes: []LaneFault{{Lane: 1, Slip: 0.5}}}.apply(p)
	assert.True(t, p.InFinda())
	assert.Equal(t, 0.5, p.lanes[1].slip)
}
