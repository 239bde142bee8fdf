package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-mmu/pkg/mmu"
)

func newTestHost(t *testing.T, g GlobalOptions) *host {
	t.Helper()
	h, err := newHost(&g)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestLoadConfig(t *testing.T) {
	cfg, file, err := loadConfig("")
	require.NoError(t, err)
	assert.Nil(t, file)
	assert.Equal(t, mmu.DefaultConfig().NumberOfTools, cfg.NumberOfTools)

	cfg, file, err = loadConfig("testdata/mmu3.cfg")
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, 2, cfg.LoadRetry)
	assert.NoError(t, file.CheckUnusedOptions())

	_, _, err = loadConfig("testdata/missing.cfg")
	assert.Error(t, err)
}

func TestRunLines(t *testing.T) {
	h := newTestHost(t, GlobalOptions{})
	var out []string
	h.printer.Dispatcher().AddOutput(func(line string) { out = append(out, line) })
	ctx := context.Background()

	failed, err := runLines(ctx, h, strings.NewReader("T1\n\nHOME_MMU\n"), true)
	require.NoError(t, err)
	assert.Equal(t, 1, failed, "tool select refused before homing")

	st, err := h.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsHomed)

	failed, err = runLines(ctx, h, strings.NewReader("T9\nT0\n"), false)
	assert.Error(t, err)
	assert.Equal(t, 1, failed)

	var errs int
	for _, line := range out {
		if strings.HasPrefix(line, "!! ") {
			errs++
		}
	}
	assert.Equal(t, 2, errs)
}

func TestRenderStatus(t *testing.T) {
	h := newTestHost(t, GlobalOptions{})
	ctx := context.Background()
	_, err := runLines(ctx, h, strings.NewReader("HOME_MMU\nT2"), false)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, renderStatus(ctx, h, &buf))
	out := buf.String()
	assert.Contains(t, out, "MMU3")
	assert.Contains(t, out, "Current filament : 2")
	assert.Contains(t, out, "Lane")
	assert.GreaterOrEqual(t, strings.Count(out, "parked"), 4)
}

func TestLanes(t *testing.T) {
	h := newTestHost(t, GlobalOptions{})
	tips, engaged, err := h.Lanes(context.Background())
	require.NoError(t, err)
	assert.Len(t, tips, 5)
	assert.Equal(t, -1, engaged)
	geo := h.printer.Path().Geometry()
	for _, tip := range tips {
		assert.Equal(t, "parked", geo.Where(tip))
	}
}

func TestCheckConfig(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, checkConfig(&GlobalOptions{
		Config:   "testdata/mmu3.cfg",
		Scenario: "testdata/stuck-finda.yaml",
	}, true, &buf))
	assert.Contains(t, buf.String(), "testdata/mmu3.cfg")
	assert.Contains(t, buf.String(), "load_retry / unload_retry")

	buf.Reset()
	require.NoError(t, checkConfig(&GlobalOptions{Config: "testdata/unknown-option.cfg"}, false, &buf))
	assert.Contains(t, buf.String(), "selector_wiggle")
	assert.Contains(t, buf.String(), "not used by the MMU: printer")

	err := checkConfig(&GlobalOptions{Config: "testdata/unknown-option.cfg"}, true, &buf)
	assert.ErrorContains(t, err, "selector_wiggle")

	err = checkConfig(&GlobalOptions{Scenario: "testdata/bad-lane.yaml"}, false, &buf)
	assert.ErrorContains(t, err, "out of range")
}

func TestNewHostRammingScript(t *testing.T) {
	_, err := newHost(&GlobalOptions{RammingScript: "testdata/missing.gcode"})
	assert.Error(t, err)
}
