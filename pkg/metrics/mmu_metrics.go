// MMU-specific metrics definitions
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import "strconv"

// MMUMetrics holds the statistics exported for the multi-material unit.
type MMUMetrics struct {
	MaterialChanges   *Counter
	SuccessfulChanges *Counter
	Pauses            *Counter
	RetryAttempts     *Counter
	Cuts              *Counter
	OperationTime     *Histogram

	CurrentTool     *Gauge
	CurrentFilament *Gauge
	Homed           *Gauge
	Paused          *Gauge

	registry *Registry
}

// NewMMUMetrics creates and registers all MMU metrics on a fresh registry.
func NewMMUMetrics() *MMUMetrics {
	m := &MMUMetrics{
		MaterialChanges: NewCounter("mmu_material_changes_total",
			"Tool changes requested"),
		SuccessfulChanges: NewCounter("mmu_material_changes_successful_total",
			"Tool changes completed without a pause"),
		Pauses: NewCounter("mmu_pauses_total",
			"Times the MMU paused for operator intervention"),
		RetryAttempts: NewCounter("mmu_retry_attempts_total",
			"Attempts made by bounded retry loops"),
		Cuts: NewCounter("mmu_cuts_total",
			"Filament cuts performed"),
		OperationTime: NewHistogram("mmu_operation_seconds",
			"Wall time spent in MMU commands", ExponentialBuckets(0.01, 4, 8)),
		CurrentTool: NewGauge("mmu_current_tool",
			"Selected tool, -1 when none"),
		CurrentFilament: NewGauge("mmu_current_filament",
			"Filament resident in the shared path, -1 when none"),
		Homed: NewGauge("mmu_homed",
			"1 when the MMU is homed"),
		Paused: NewGauge("mmu_paused",
			"1 when the MMU is paused"),
		registry: NewRegistry(),
	}
	m.registry.MustRegister(
		m.MaterialChanges, m.SuccessfulChanges, m.Pauses, m.RetryAttempts, m.Cuts,
		m.OperationTime, m.CurrentTool, m.CurrentFilament, m.Homed, m.Paused,
	)
	m.CurrentTool.Set(nil, -1)
	m.CurrentFilament.Set(nil, -1)
	m.Homed.Set(nil, 0)
	m.Paused.Set(nil, 0)
	return m
}

// RecordRetry counts attempts of the named loop.
func (m *MMUMetrics) RecordRetry(stage string, attempts int) {
	m.RetryAttempts.Add(Labels{"stage": stage}, uint64(attempts))
}

// SetState publishes the MMU state gauges. Tool values < 0 mean none.
func (m *MMUMetrics) SetState(tool, filament int, homed, paused bool) {
	m.CurrentTool.Set(nil, float64(tool))
	m.CurrentFilament.Set(nil, float64(filament))
	m.Homed.SetBool(nil, homed)
	m.Paused.SetBool(nil, paused)
}

// TimeOperation starts a timer for a named command.
func (m *MMUMetrics) TimeOperation(op string) func() {
	return m.OperationTime.Timer(Labels{"op": op})
}

// ChangesFor returns the number of requested changes to tool.
func (m *MMUMetrics) ChangesFor(tool int) uint64 {
	return m.MaterialChanges.Get(Labels{"tool": strconv.Itoa(tool)})
}

// Registry returns the registry holding the MMU metrics.
func (m *MMUMetrics) Registry() *Registry {
	return m.registry
}

// Gather renders the MMU metrics in Prometheus text format.
func (m *MMUMetrics) Gather() string {
	return m.registry.Gather()
}
