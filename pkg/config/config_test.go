package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
# MMU unit
[mmu3]
number_of_tools: 5
debug: True
bowden_load_speed1 = 120.5
idler_positions: 5, 20, 35, 50, 65 ; trailing comment
pause_position: 0,200,10

[filament_switch_sensor my_filament_sensor]
switch_pin: PG12

#*# [mmu3]
#*# timeout_pause: 600
`

func TestLoadString(t *testing.T) {
	cfg, err := LoadString(sample)
	require.NoError(t, err)

	assert.True(t, cfg.HasSection("mmu3"))
	assert.True(t, cfg.HasSection("filament_switch_sensor my_filament_sensor"))
	assert.False(t, cfg.HasSection("nonexistent"))
	assert.Equal(t, []string{"mmu3", "filament_switch_sensor my_filament_sensor"}, cfg.GetSectionNames())

	sec, err := cfg.GetSection("mmu3")
	require.NoError(t, err)
	assert.Equal(t, "mmu3", sec.GetName())

	n, err := sec.GetInt("number_of_tools", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	debug, err := sec.GetBool("debug", nil)
	require.NoError(t, err)
	assert.True(t, debug)

	speed, err := sec.GetFloat("bowden_load_speed1", nil)
	require.NoError(t, err)
	assert.Equal(t, 120.5, speed)

	positions, err := sec.GetFloatList("idler_positions", ",", nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 20, 35, 50, 65}, positions)

	timeout, err := sec.GetInt("timeout_pause", nil)
	require.NoError(t, err)
	assert.Equal(t, 600, timeout, "SAVE_CONFIG block merges into the section")
}

func TestFallbacksAndMissing(t *testing.T) {
	cfg, err := LoadString(sample)
	require.NoError(t, err)
	sec, err := cfg.GetSection("mmu3")
	require.NoError(t, err)

	def := 120.0
	v, err := sec.GetFloat("finda_load_length", &def)
	require.NoError(t, err)
	assert.Equal(t, 120.0, v)

	defList := []float64{1, 2}
	list, err := sec.GetFloatList("selector_positions", ",", defList)
	require.NoError(t, err)
	list[0] = 99
	assert.Equal(t, 1.0, defList[0], "fallback slice must not be aliased")

	_, err = sec.Get("missing")
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "missing", cerr.Option)
	assert.Contains(t, err.Error(), "must be specified")

	_, err = cfg.GetSection("nope")
	assert.Error(t, err)
}

func TestInvalidValues(t *testing.T) {
	cfg, err := LoadString("[s]\ni: abc\nf: x\nb: maybe\nl: 1,zz\n")
	require.NoError(t, err)
	sec, err := cfg.GetSection("s")
	require.NoError(t, err)

	_, err = sec.GetInt("i", nil)
	assert.ErrorContains(t, err, "expected integer")
	_, err = sec.GetFloat("f", nil)
	assert.ErrorContains(t, err, "expected float")
	_, err = sec.GetBool("b", nil)
	assert.ErrorContains(t, err, "boolean")
	_, err = sec.GetFloatList("l", ",", nil)
	assert.ErrorContains(t, err, "'zz'")

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "<string>:5", cerr.Origin)
	assert.Equal(t, "<string>:5: [s] l invalid list item 'zz', expected float", err.Error())
}

func TestBoundsChecking(t *testing.T) {
	cfg, err := LoadString("[s]\nretry: 0\nspeed: -1\nsgthrs: 300\n")
	require.NoError(t, err)
	sec, err := cfg.GetSection("s")
	require.NoError(t, err)

	_, err = sec.GetInt("retry", nil, Min(1))
	assert.ErrorContains(t, err, "minimum of 1")

	_, err = sec.GetFloat("speed", nil, Above(0))
	assert.ErrorContains(t, err, "must be above 0")

	_, err = sec.GetInt("sgthrs", nil, Min(0), Max(255))
	assert.ErrorContains(t, err, "maximum of 255")

	def := 80.0
	v, err := sec.GetFloat("accel", &def, Above(0))
	require.NoError(t, err)
	assert.Equal(t, 80.0, v, "fallbacks are not bound checked")

	_, err = sec.GetFloat("speed", nil, Below(-2))
	assert.ErrorContains(t, err, "must be below -2")
}

func TestMultilineValues(t *testing.T) {
	cfg, err := LoadString(`
[gcode_macro RAMMING_SLICER]
gcode:
    G1 E-15 F6000
    G1 E10 F1200   ; tip shaping
description: ramming
`)
	require.NoError(t, err)
	sec, err := cfg.GetSection("gcode_macro RAMMING_SLICER")
	require.NoError(t, err)

	body, err := sec.Get("gcode")
	require.NoError(t, err)
	assert.Equal(t, "G1 E-15 F6000\nG1 E10 F1200", body)
	desc, err := sec.Get("description")
	require.NoError(t, err)
	assert.Equal(t, "ramming", desc)
}

func TestMalformedLine(t *testing.T) {
	_, err := LoadString("[mmu3]\nnumber_of_tools 5\n")
	assert.ErrorContains(t, err, "<string>:2")
}

func TestAccessTracking(t *testing.T) {
	cfg, err := LoadString(sample)
	require.NoError(t, err)

	sec, err := cfg.GetSection("mmu3")
	require.NoError(t, err)
	_, _ = sec.GetInt("number_of_tools", nil)

	assert.Equal(t, []string{"filament_switch_sensor my_filament_sensor"}, cfg.GetUnusedSections())
	assert.Equal(t,
		[]string{"bowden_load_speed1", "debug", "idler_positions", "pause_position", "timeout_pause"},
		sec.GetUnusedOptions())

	err = cfg.CheckUnusedOptions()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<string>:5: [mmu3] debug")
	assert.NotContains(t, err.Error(), "switch_pin", "unaccessed sections are not checked")
}

func TestLoadWithInclude(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mmu.cfg"), []byte("[mmu3]\nnumber_of_tools: 3\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "printer.cfg"), []byte("[include mmu.cfg]\n[extruder]\nmin_extrude_temp: 170\n"), 0o644))

	cfg, err := Load(filepath.Join(dir, "printer.cfg"))
	require.NoError(t, err)
	assert.True(t, cfg.HasSection("mmu3"))
	assert.True(t, cfg.HasSection("extruder"))
}

func TestRecursiveInclude(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cfg"), []byte("[include a.cfg]\n"), 0o644))
	_, err := Load(filepath.Join(dir, "a.cfg"))
	assert.ErrorContains(t, err, "recursive include")
}

func TestIncludeRejectedInString(t *testing.T) {
	_, err := LoadString("[include other.cfg]\n")
	assert.ErrorContains(t, err, "include not supported")
}
