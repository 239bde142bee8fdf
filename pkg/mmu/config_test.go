package mmu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-mmu/pkg/config"
)

func loadSection(t *testing.T, body string) *config.Section {
	t.Helper()
	cfg, err := config.LoadString("[mmu3]\n" + body)
	require.NoError(t, err)
	s, err := cfg.GetSection(SectionName)
	require.NoError(t, err)
	return s
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestFromSectionDefaults(t *testing.T) {
	c, err := FromSection(loadSection(t, "debug: true\n"))
	require.NoError(t, err)

	d := DefaultConfig()
	assert.True(t, c.Debug)
	assert.Equal(t, d.IdlerPositions, c.IdlerPositions)
	assert.Equal(t, d.SelectorPositions, c.SelectorPositions)
	assert.Equal(t, "RAMMING_SLICER", c.RammingMacro)
	assert.Equal(t, 20, c.FindaLoadRetry)
}

func TestFromSectionOverrides(t *testing.T) {
	c, err := FromSection(loadSection(t, `number_of_tools: 3
idler_positions: 5, 20, 35
selector_positions: 70, 50, 30
enable_no_selector_mode: true
finda_load_retry: 3
bowden_load_length1: 600
pause_position: 10, 220, 5
ramming_macro: MY_RAMMING
`))
	require.NoError(t, err)

	assert.Equal(t, 3, c.NumberOfTools)
	assert.Equal(t, []float64{5, 20, 35}, c.IdlerPositions)
	assert.Equal(t, []float64{70, 50, 30}, c.SelectorPositions)
	assert.True(t, c.NoSelectorMode)
	assert.Equal(t, 3, c.FindaLoadRetry)
	assert.Equal(t, 600.0, c.BowdenLoadLength1)
	assert.Equal(t, []float64{10, 220, 5}, c.PausePosition)
	assert.Equal(t, "MY_RAMMING", c.RammingMacro)
}

func TestFromSectionRejects(t *testing.T) {
	cases := map[string]string{
		"position count": "number_of_tools: 3\n",
		"zero speed":     "bowden_load_speed1: 0\n",
		"zero retry":     "load_retry: 0\n",
		"sgthrs range":   "selector_sgthrs: 300\n",
		"pause position": "pause_position: 1, 2\n",
		"not a number":   "finda_load_length: far\n",
		"not a boolean":  "enable_no_selector_mode: maybe\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromSection(loadSection(t, body))
			var cerr *config.ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, SectionName, cerr.Section)
		})
	}
}
