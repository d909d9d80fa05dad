// Package perf collects latency samples from the transcription pipeline and
// computes percentile statistics against fixed targets.
//
// A Monitor keeps a bounded ring buffer of recent samples per operation.
// Statistics sorts the retained window on demand and reads percentiles by
// floor indexing: a window of n sorted samples yields p50 at index ⌊n×0.5⌋.
// CheckRequirements reports pass/fail per target; the result is purely
// informational and never feeds back into pipeline control flow.
package perf

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// defaultRingSize is the number of samples retained per operation.
const defaultRingSize = 1000

// Op names an instrumented pipeline operation.
type Op string

const (
	// OpBufferProcess measures the level computation and hand-off of a
	// single audio buffer.
	OpBufferProcess Op = "buffer_process"

	// OpRecognition measures a recognition request round trip.
	OpRecognition Op = "recognition_request"
)

// Sample is a single latency observation.
type Sample struct {
	Latency   time.Duration
	Timestamp time.Time
}

// Stats summarises the latency distribution of a sample window.
type Stats struct {
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Mean  time.Duration
	Count int
}

// Targets are the latency objectives evaluated by CheckRequirements.
type Targets struct {
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// DefaultTargets are the fixed transcription latency objectives.
var DefaultTargets = Targets{
	P50: 30 * time.Millisecond,
	P95: 50 * time.Millisecond,
	P99: 100 * time.Millisecond,
}

// TargetCheck reports one percentile against its target.
type TargetCheck struct {
	Target time.Duration
	Actual time.Duration
	OK     bool
}

// Report is the outcome of a CheckRequirements call.
type Report struct {
	Op    Op
	Count int
	P50   TargetCheck
	P95   TargetCheck
	P99   TargetCheck
}

// Pass reports whether every percentile met its target.
func (r Report) Pass() bool {
	return r.P50.OK && r.P95.OK && r.P99.OK
}

// Snapshot is a point-in-time view of process health alongside the
// statistics of every recorded operation.
type Snapshot struct {
	Taken      time.Time
	HeapAlloc  uint64
	HeapSys    uint64
	NumGC      uint32
	Goroutines int
	Ops        map[Op]Stats
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithRingSize sets how many samples are retained per operation. Values
// below one keep the default of 1000.
func WithRingSize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.size = n
		}
	}
}

// WithTargets overrides the latency objectives used by CheckRequirements.
func WithTargets(t Targets) Option {
	return func(m *Monitor) {
		m.targets = t
	}
}

// WithHistogram mirrors every sample recorded for op into the given
// OpenTelemetry histogram, in seconds.
func WithHistogram(op Op, h metric.Float64Histogram) Option {
	return func(m *Monitor) {
		m.mirrors[op] = h
	}
}

// Monitor collects per-operation latency samples in bounded ring buffers
// and computes percentiles over the retained window on demand.
//
// Thread-safe for concurrent use.
type Monitor struct {
	size    int
	targets Targets
	mirrors map[Op]metric.Float64Histogram

	mu    sync.Mutex
	rings map[Op]*sampleRing
}

// NewMonitor creates a Monitor with the default ring size and targets,
// adjusted by opts.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		size:    defaultRingSize,
		targets: DefaultTargets,
		mirrors: make(map[Op]metric.Float64Histogram),
		rings:   make(map[Op]*sampleRing),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record appends a latency sample for op, evicting the oldest retained
// sample once the ring is full. The sample is also forwarded to the
// operation's mirror histogram when one is configured.
func (m *Monitor) Record(op Op, latency time.Duration) {
	m.mu.Lock()
	r, ok := m.rings[op]
	if !ok {
		r = newSampleRing(m.size)
		m.rings[op] = r
	}
	r.add(Sample{Latency: latency, Timestamp: time.Now()})
	m.mu.Unlock()

	if h, ok := m.mirrors[op]; ok {
		h.Record(context.Background(), latency.Seconds())
	}
}

// Statistics computes the latency distribution of the retained window for
// op. An operation with no samples reports zeros.
func (m *Monitor) Statistics(op Op) Stats {
	m.mu.Lock()
	var latencies []time.Duration
	if r, ok := m.rings[op]; ok {
		latencies = r.latencies()
	}
	m.mu.Unlock()

	return computeStats(latencies)
}

// SetTargets replaces the latency objectives used by CheckRequirements.
// Recorded samples are unaffected. Safe for concurrent use.
func (m *Monitor) SetTargets(t Targets) {
	m.mu.Lock()
	m.targets = t
	m.mu.Unlock()
}

// CheckRequirements evaluates the current statistics for op against the
// monitor's targets. The result is informational; no recovery or throttling
// is derived from it. An empty window passes every target.
func (m *Monitor) CheckRequirements(op Op) Report {
	s := m.Statistics(op)
	m.mu.Lock()
	t := m.targets
	m.mu.Unlock()
	return Report{
		Op:    op,
		Count: s.Count,
		P50:   check(s.P50, t.P50),
		P95:   check(s.P95, t.P95),
		P99:   check(s.P99, t.P99),
	}
}

// Snapshot captures current memory usage, the goroutine count, and the
// statistics of every operation recorded so far.
func (m *Monitor) Snapshot() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	windows := make(map[Op][]time.Duration, len(m.rings))
	for op, r := range m.rings {
		windows[op] = r.latencies()
	}
	m.mu.Unlock()

	ops := make(map[Op]Stats, len(windows))
	for op, latencies := range windows {
		ops[op] = computeStats(latencies)
	}
	return Snapshot{
		Taken:      time.Now(),
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		Ops:        ops,
	}
}

func check(actual, target time.Duration) TargetCheck {
	return TargetCheck{Target: target, Actual: actual, OK: actual <= target}
}

// computeStats sorts latencies in place and summarises the distribution.
func computeStats(latencies []time.Duration) Stats {
	n := len(latencies)
	if n == 0 {
		return Stats{}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, d := range latencies {
		sum += d
	}
	return Stats{
		P50:   percentile(latencies, 0.50),
		P95:   percentile(latencies, 0.95),
		P99:   percentile(latencies, 0.99),
		Mean:  sum / time.Duration(n),
		Count: n,
	}
}

// percentile returns the value at the given fraction (0.0-1.0) of a sorted
// slice using floor indexing, clamped to the last element.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// sampleRing is a bounded ring buffer of latency samples.
type sampleRing struct {
	data []Sample
	pos  int
	full bool
}

func newSampleRing(size int) *sampleRing {
	return &sampleRing{data: make([]Sample, size)}
}

func (r *sampleRing) add(s Sample) {
	r.data[r.pos] = s
	r.pos++
	if r.pos >= len(r.data) {
		r.pos = 0
		r.full = true
	}
}

// latencies copies the valid window out of the ring.
func (r *sampleRing) latencies() []time.Duration {
	n := r.pos
	if r.full {
		n = len(r.data)
	}
	out := make([]time.Duration, n)
	for i := 0; i < n; i++ {
		out[i] = r.data[i].Latency
	}
	return out
}
