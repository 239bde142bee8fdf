package moonraker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "klipper-mmu/pkg/errors"
	"klipper-mmu/pkg/log"
	"klipper-mmu/pkg/metrics"
	"klipper-mmu/pkg/mmu"
	"klipper-mmu/pkg/reactor"
	"klipper-mmu/pkg/sim"
)

type host struct {
	adapter *Adapter
	server  *Server
	printer *sim.Printer
	mmu     *mmu.MMU
}

func newHost(t *testing.T) *host {
	t.Helper()
	p, err := sim.New(mmu.DefaultConfig())
	require.NoError(t, err)
	mm := metrics.NewMMUMetrics()
	m, err := p.Attach(mmu.WithMetrics(mm), mmu.WithLogger(log.Nop()))
	require.NoError(t, err)

	r := reactor.New()
	r.Run()
	t.Cleanup(func() {
		r.End()
		r.Wait()
	})

	a := NewAdapter(r, p.Dispatcher())
	a.RegisterStatusProvider("mmu3", func() map[string]any { return m.Status().Map() })
	for name := range p.Status() {
		a.RegisterStatusProvider(name, func() map[string]any {
			return p.Status()[name].(map[string]any)
		})
	}

	s := New(Config{Backend: a, Metrics: mm})
	p.Dispatcher().AddOutput(s.Publish)
	t.Cleanup(func() { s.Stop(context.Background()) })

	return &host{adapter: a, server: s, printer: p, mmu: m}
}

func TestAdapterObjects(t *testing.T) {
	h := newHost(t)

	names := h.adapter.ObjectNames()
	assert.Contains(t, names, "mmu3")
	assert.Contains(t, names, "extruder")
	assert.IsIncreasing(t, names)

	status := h.adapter.ObjectStatus("mmu3", []string{"is_homed", "number_of_tools"})
	assert.Equal(t, map[string]any{"is_homed": false, "number_of_tools": 5}, status)
	assert.Nil(t, h.adapter.ObjectStatus("heater_bed", nil))

	h.adapter.UnregisterStatusProvider("extruder")
	assert.NotContains(t, h.adapter.ObjectNames(), "extruder")
}

func TestToolChangeThroughAPI(t *testing.T) {
	h := newHost(t)

	code, _ := request(t, h.server, http.MethodPost, "/printer/gcode/script", map[string]any{"script": "HOME_MMU"})
	require.Equal(t, http.StatusOK, code)
	code, _ = request(t, h.server, http.MethodPost, "/printer/gcode/script", map[string]any{"script": "T2"})
	require.Equal(t, http.StatusOK, code)

	_, resp := request(t, h.server, http.MethodGet, "/printer/objects/query?mmu3=current_tool,current_filament,is_homed", nil)
	status := result(t, resp)["status"].(map[string]any)
	assert.Equal(t, map[string]any{
		"current_tool":     nil,
		"current_filament": 2.0,
		"is_homed":         true,
	}, status["mmu3"])

	jobs := h.server.History().ListJobs(0, 0, 0, 0, "desc")
	require.Len(t, jobs, 2)
	assert.Equal(t, 2, jobs[0].FilamentAfter)
	assert.Equal(t, 1, h.server.History().GetTotals().FilamentChanges)

	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `mmu_material_changes_total{tool="2"} 1`)

	var console []string
	for _, e := range h.server.GCodeStore(0) {
		if e.Type == "response" {
			console = append(console, e.Message)
		}
	}
	assert.NotEmpty(t, console)
	for _, line := range console {
		assert.False(t, strings.HasPrefix(line, "!! "), line)
	}
}

func TestRefusedCommandIsReported(t *testing.T) {
	h := newHost(t)

	err := h.server.RunScript(context.Background(), "T1")
	require.Error(t, err)
	assert.True(t, herrors.IsGuardRefusal(err))

	store := h.server.GCodeStore(1)
	require.Len(t, store, 1)
	assert.True(t, strings.HasPrefix(store[0].Message, "!! "), store[0].Message)
}

func TestEmergencyStopRefusesScripts(t *testing.T) {
	h := newHost(t)
	stopped := false
	h.adapter.SetEmergencyStopHandler(func() { stopped = true })

	h.adapter.EmergencyStop()
	assert.True(t, stopped)
	state, msg := h.adapter.KlippyState()
	assert.Equal(t, StateShutdown, state)
	assert.Equal(t, "Emergency stop", msg)

	err := h.adapter.RunGCode(context.Background(), "MMU_STATUS")
	assert.ErrorContains(t, err, "not ready")

	h.adapter.SetState(StateReady, "Printer is ready")
	assert.NoError(t, h.adapter.RunGCode(context.Background(), "MMU_STATUS"))
}

func TestAdapterWithoutLoop(t *testing.T) {
	p, err := sim.New(mmu.DefaultConfig())
	require.NoError(t, err)
	_, err = p.Attach(mmu.WithLogger(log.Nop()))
	require.NoError(t, err)

	a := NewAdapter(nil, p.Dispatcher())
	assert.NoError(t, a.RunGCode(context.Background(), "ENDSTOPS_STATUS"))
	assert.Error(t, a.RunGCode(context.Background(), "NOT_A_COMMAND"))
}

func TestFilterStatus(t *testing.T) {
	status := map[string]any{"a": 1, "b": 2}
	assert.Equal(t, status, FilterStatus(status, nil))
	assert.Equal(t, map[string]any{"b": 2}, FilterStatus(status, []string{"b", "c"}))
	assert.Nil(t, FilterStatus(nil, []string{"a"}))
}
