// Metrics collection for the MMU host
//
// Prometheus-compatible counters, gauges and histograms rendered in the
// Prometheus text exposition format.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricType is the Prometheus TYPE of a metric.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels identify one series of a metric.
type Labels map[string]string

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Key is the canonical form of l, used to index series.
func (l Labels) Key() string {
	var sb strings.Builder
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String renders l as {k="v",...}, or "" when empty.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=\"%s\"", k, escapeLabel(l[k]))
	}
	sb.WriteByte('}')
	return sb.String()
}

func (l Labels) clone() Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (l Labels) with(key, value string) Labels {
	out := l.clone()
	out[key] = value
	return out
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return strings.ReplaceAll(s, "\n", "\\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is anything a Registry can render.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// series is the label-keyed storage shared by all metric types.
type series[V any] struct {
	mu     sync.Mutex
	labels map[string]Labels
	values map[string]*V
}

func (s *series[V]) get(labels Labels, create bool) *V {
	key := labels.Key()
	if s.values == nil {
		if !create {
			return nil
		}
		s.values = make(map[string]*V)
		s.labels = make(map[string]Labels)
	}
	v, ok := s.values[key]
	if !ok && create {
		v = new(V)
		s.values[key] = v
		s.labels[key] = labels.clone()
	}
	return v
}

// each visits series in label-key order so output is stable.
func (s *series[V]) each(fn func(Labels, *V)) {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(s.labels[k], s.values[k])
	}
}

func writeHeader(sb *strings.Builder, m Metric) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", m.Name(), m.Help(), m.Name(), m.Type())
}

// Counter only goes up.
type Counter struct {
	name, help string
	s          series[uint64]
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Help() string     { return c.help }
func (c *Counter) Type() MetricType { return TypeCounter }

func (c *Counter) Inc(labels Labels) {
	c.Add(labels, 1)
}

// Add adds delta to the series for labels.
func (c *Counter) Add(labels Labels, delta uint64) {
	c.s.mu.Lock()
	*c.s.get(labels, true) += delta
	c.s.mu.Unlock()
}

// Get returns the series value, zero when it was never touched.
func (c *Counter) Get(labels Labels) uint64 {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if v := c.s.get(labels, false); v != nil {
		return *v
	}
	return 0
}

func (c *Counter) Write(sb *strings.Builder) {
	writeHeader(sb, c)
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.each(func(l Labels, v *uint64) {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, l, *v)
	})
}

// Gauge holds a value that may go down.
type Gauge struct {
	name, help string
	s          series[float64]
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Help() string     { return g.help }
func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) Set(labels Labels, value float64) {
	g.s.mu.Lock()
	*g.s.get(labels, true) = value
	g.s.mu.Unlock()
}

func (g *Gauge) Add(labels Labels, delta float64) {
	g.s.mu.Lock()
	*g.s.get(labels, true) += delta
	g.s.mu.Unlock()
}

// SetBool sets the gauge to 1 or 0.
func (g *Gauge) SetBool(labels Labels, b bool) {
	if b {
		g.Set(labels, 1)
	} else {
		g.Set(labels, 0)
	}
}

// Get returns the series value, zero when it was never set.
func (g *Gauge) Get(labels Labels) float64 {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if v := g.s.get(labels, false); v != nil {
		return *v
	}
	return 0
}

func (g *Gauge) Write(sb *strings.Builder) {
	writeHeader(sb, g)
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	g.s.each(func(l Labels, v *float64) {
		fmt.Fprintf(sb, "%s%s %s\n", g.name, l, formatFloat(*v))
	})
}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	name, help string
	buckets    []float64
	s          series[histogramValue]
}

type histogramValue struct {
	count   uint64
	sum     float64
	buckets []uint64
}

// NewHistogram sorts a copy of the bucket upper bounds.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{name: name, help: help, buckets: sorted}
}

// ExponentialBuckets returns start, start*factor, ... count bounds.
func ExponentialBuckets(start, factor float64, count int) []float64 {
	buckets := make([]float64, count)
	for i := range buckets {
		buckets[i] = start
		start *= factor
	}
	return buckets
}

func (h *Histogram) Name() string     { return h.name }
func (h *Histogram) Help() string     { return h.help }
func (h *Histogram) Type() MetricType { return TypeHistogram }

func (h *Histogram) Observe(labels Labels, value float64) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	hv := h.s.get(labels, true)
	if hv.buckets == nil {
		hv.buckets = make([]uint64, len(h.buckets))
	}
	hv.count++
	hv.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			hv.buckets[i]++
			break
		}
	}
}

// Timer observes the seconds elapsed until the returned func runs.
func (h *Histogram) Timer(labels Labels) func() {
	start := time.Now()
	return func() {
		h.Observe(labels, time.Since(start).Seconds())
	}
}

// Count returns the number of observations for labels.
func (h *Histogram) Count(labels Labels) uint64 {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if hv := h.s.get(labels, false); hv != nil {
		return hv.count
	}
	return 0
}

func (h *Histogram) Write(sb *strings.Builder) {
	writeHeader(sb, h)
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.each(func(l Labels, hv *histogramValue) {
		cumulative := uint64(0)
		for i, bound := range h.buckets {
			cumulative += hv.buckets[i]
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.with("le", formatFloat(bound)), cumulative)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.with("le", "+Inf"), hv.count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, l, formatFloat(hv.sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, l, hv.count)
	})
}

// Registry renders its metrics in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]Metric),
	}
}

// Register fails when the name is taken.
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister is for package level setup.
func (r *Registry) MustRegister(metrics ...Metric) {
	for _, m := range metrics {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders the text exposition format.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
