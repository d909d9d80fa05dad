// Package observe provides application-wide observability primitives for
// EchoLex: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all EchoLex metrics.
const meterName = "github.com/MrWong99/echolex"

// Metrics holds all OpenTelemetry metric instruments for the transcription
// pipeline. All fields are safe for concurrent use; the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms per pipeline stage ---

	// BufferProcessDuration tracks per-buffer audio processing latency.
	BufferProcessDuration metric.Float64Histogram

	// RecognitionDuration tracks recognition stream-open latency.
	RecognitionDuration metric.Float64Histogram

	// --- Counters ---

	// BuffersProcessed counts audio buffers that passed through the
	// processing stage.
	BuffersProcessed metric.Int64Counter

	// BuffersDropped counts audio buffers lost before transcription. Use
	// with attribute:
	//   attribute.String("reason", ...)
	BuffersDropped metric.Int64Counter

	// UpdatesEmitted counts published transcription updates. Use with
	// attribute:
	//   attribute.String("type", ...)
	UpdatesEmitted metric.Int64Counter

	// Recoveries counts executed recovery actions. Use with attribute:
	//   attribute.String("action", ...)
	Recoveries metric.Int64Counter

	// BackendErrors counts faults reported by recognition backends. Use
	// with attributes:
	//   attribute.String("backend", ...), attribute.String("class", ...)
	BackendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live recognition sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// a pipeline whose stages are expected to finish well under 100ms.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.03, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.BufferProcessDuration, err = m.Float64Histogram("echolex.buffer_process.duration",
		metric.WithDescription("Per-buffer audio processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionDuration, err = m.Float64Histogram("echolex.recognition.duration",
		metric.WithDescription("Latency of opening a recognition stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BuffersProcessed, err = m.Int64Counter("echolex.audio.buffers_processed",
		metric.WithDescription("Total audio buffers processed."),
	); err != nil {
		return nil, err
	}
	if met.BuffersDropped, err = m.Int64Counter("echolex.audio.buffers_dropped",
		metric.WithDescription("Total audio buffers dropped before transcription, by reason."),
	); err != nil {
		return nil, err
	}
	if met.UpdatesEmitted, err = m.Int64Counter("echolex.transcript.updates",
		metric.WithDescription("Total transcription updates published, by type."),
	); err != nil {
		return nil, err
	}
	if met.Recoveries, err = m.Int64Counter("echolex.session.recoveries",
		metric.WithDescription("Total recovery actions executed, by action."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("echolex.recognition.errors",
		metric.WithDescription("Total recognition backend faults, by backend and class."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echolex.active_sessions",
		metric.WithDescription("Number of live recognition sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echolex.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterPoolGauges registers observable gauges reporting buffer pool
// occupancy. statsFn is invoked on every metrics collection; it must be
// fast and safe for concurrent use.
func (m *Metrics) RegisterPoolGauges(statsFn func() (inUse, highWater int64)) (metric.Registration, error) {
	gaugeInUse, err := m.meter.Int64ObservableGauge("echolex.audio.pool_in_use",
		metric.WithDescription("Buffers currently checked out of the capture pool."),
	)
	if err != nil {
		return nil, err
	}
	gaugeHigh, err := m.meter.Int64ObservableGauge("echolex.audio.pool_high_water",
		metric.WithDescription("Peak simultaneous buffer checkouts since start."),
	)
	if err != nil {
		return nil, err
	}
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		cur, peak := statsFn()
		o.ObserveInt64(gaugeInUse, cur)
		o.ObserveInt64(gaugeHigh, peak)
		return nil
	}, gaugeInUse, gaugeHigh)
}

// RegisterSessionState registers an observable gauge reporting the session
// lifecycle state as its numeric ordinal (0=idle, 1=starting, 2=active,
// 3=paused, 4=stopping). stateFn is invoked on every metrics collection.
func (m *Metrics) RegisterSessionState(stateFn func() int64) (metric.Registration, error) {
	gauge, err := m.meter.Int64ObservableGauge("echolex.session.state",
		metric.WithDescription("Lifecycle state of the recognition session."),
	)
	if err != nil {
		return nil, err
	}
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, stateFn())
		return nil
	}, gauge)
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBufferProcessed increments the processed-buffer counter.
func (m *Metrics) RecordBufferProcessed(ctx context.Context) {
	m.BuffersProcessed.Add(ctx, 1)
}

// RecordBufferDropped increments the dropped-buffer counter with the
// standard reason attribute. Well-known reasons: "pool_exhausted",
// "queue_full", "subscriber_lagged".
func (m *Metrics) RecordBufferDropped(ctx context.Context, reason string) {
	m.BuffersDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordUpdate increments the published-update counter for one update type
// ("partial", "final", "correction").
func (m *Metrics) RecordUpdate(ctx context.Context, kind string) {
	m.UpdatesEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", kind)),
	)
}

// RecordRecovery increments the recovery counter for one executed action.
func (m *Metrics) RecordRecovery(ctx context.Context, action string) {
	m.Recoveries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)),
	)
}

// RecordBackendError increments the backend fault counter with the standard
// attribute set. Well-known classes: "network", "permission", "transient",
// "backend".
func (m *Metrics) RecordBackendError(ctx context.Context, backend, class string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("class", class),
		),
	)
}
