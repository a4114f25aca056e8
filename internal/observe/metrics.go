// Package observe provides application-wide observability primitives for
// voxlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Uplink ---

	// FramesSent counts frames accepted by the transport for upload.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames dropped under transport backpressure.
	FramesDropped metric.Int64Counter

	// FramesWithheld counts frames produced while the upload gate was closed.
	FramesWithheld metric.Int64Counter

	// BargeIns counts barge-in edges that sent a cancellation.
	BargeIns metric.Int64Counter

	// --- Downlink ---

	// DownlinkBytes counts binary payload bytes received.
	DownlinkBytes metric.Int64Counter

	// ChunksScheduled counts decoded chunks placed on the playback timeline.
	ChunksScheduled metric.Int64Counter

	// ChunksCancelled counts scheduled chunks discarded by a barge-in.
	ChunksCancelled metric.Int64Counter

	// PlaybackCatchUps counts clock snaps after the scheduler fell behind.
	PlaybackCatchUps metric.Int64Counter

	// ScheduleLead tracks how far ahead of real time each chunk was
	// scheduled.
	ScheduleLead metric.Float64Histogram

	// MalformedMessages counts control messages that failed to decode. Use
	// with attribute:
	//   attribute.String("code", ...)
	MalformedMessages metric.Int64Counter

	// --- Session ---

	// StateTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// SessionErrors counts sessions ended by an error. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of sessions not in Idle.
	ActiveSessions metric.Int64UpDownCounter

	// SessionStartDuration tracks the latency from start request to
	// Capturing.
	SessionStartDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// leadBuckets covers scheduling lead times around the playback lookahead.
var leadBuckets = []float64{
	0, 0.01, 0.02, 0.04, 0.06, 0.08, 0.1, 0.15, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesSent, "voxlink.uplink.frames.sent", "Uplink frames accepted for upload."},
		{&met.FramesDropped, "voxlink.uplink.frames.dropped", "Uplink frames dropped under backpressure."},
		{&met.FramesWithheld, "voxlink.uplink.frames.withheld", "Uplink frames withheld while the upload gate was closed."},
		{&met.BargeIns, "voxlink.barge_ins", "Barge-in cancellations sent."},
		{&met.DownlinkBytes, "voxlink.downlink.bytes", "Downlink audio payload bytes received."},
		{&met.ChunksScheduled, "voxlink.playback.chunks.scheduled", "Downlink chunks scheduled for playback."},
		{&met.ChunksCancelled, "voxlink.playback.chunks.cancelled", "Scheduled chunks discarded by barge-in."},
		{&met.PlaybackCatchUps, "voxlink.playback.catchups", "Playback clock snaps after falling behind."},
		{&met.MalformedMessages, "voxlink.control.malformed", "Control messages that failed to decode, by code."},
		{&met.StateTransitions, "voxlink.session.transitions", "Session state transitions by from and to state."},
		{&met.SessionErrors, "voxlink.session.errors", "Sessions ended by an error, by kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of sessions not in Idle."),
	); err != nil {
		return nil, err
	}

	if met.ScheduleLead, err = m.Float64Histogram("voxlink.playback.lead",
		metric.WithDescription("Time between scheduling a chunk and its playback start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionStartDuration, err = m.Float64Histogram("voxlink.session.start.duration",
		metric.WithDescription("Latency from start request to capturing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordTransition records a session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordMalformed records a control message that failed to decode.
func (m *Metrics) RecordMalformed(ctx context.Context, code string) {
	m.MalformedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordSessionError records a session that ended because of an error.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
