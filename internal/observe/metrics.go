// Package observe provides application-wide observability primitives for
// livevoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all livevoice metrics.
const meterName = "github.com/medilearn/livevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// FramesCaptured counts blocks completed by the capture encoder.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts captured blocks that were never forwarded. Use
	// with attribute.String("reason", "closed"|"queue_full").
	FramesDropped metric.Int64Counter

	// FramesSent counts blocks handed to the remote endpoint. Use with
	// attribute.String("status", "ok"|"error").
	FramesSent metric.Int64Counter

	// --- Playback path ---

	// ChunksReceived counts inbound audio chunks accepted by the scheduler.
	ChunksReceived metric.Int64Counter

	// DecodeErrors counts inbound chunks dropped because they could not be
	// decoded.
	DecodeErrors metric.Int64Counter

	// SourcesScheduled counts decoded chunks bound to the output device.
	SourcesScheduled metric.Int64Counter

	// Underruns counts chunks that arrived after the playback cursor had
	// already passed.
	Underruns metric.Int64Counter

	// Interruptions counts barge-in and teardown flushes. Use with
	// attribute.String("reason", ...).
	Interruptions metric.Int64Counter

	// SourcesStopped counts sources silenced by an interruption.
	SourcesStopped metric.Int64Counter

	// --- Sessions ---

	// SessionAttempts counts Start calls by outcome. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("outcome", ...)
	SessionAttempts metric.Int64Counter

	// SessionEnds counts sessions leaving Active. Use with
	// attribute.String("cause", "stopped"|"transport"|"remote_closed").
	SessionEnds metric.Int64Counter

	// TranscriptEntries counts transcript fragments by speaker.
	TranscriptEntries metric.Int64Counter

	// ConnectDuration tracks how long the endpoint takes to acknowledge setup.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops endpoint latency, labelled with "method",
	// "route" (the mux pattern) and "status".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// session setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
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
		{&met.FramesCaptured, "livevoice.capture.frames", "Captured audio blocks."},
		{&met.FramesDropped, "livevoice.capture.dropped", "Captured audio blocks dropped before sending, by reason."},
		{&met.FramesSent, "livevoice.capture.sent", "Audio blocks sent to the endpoint, by status."},
		{&met.ChunksReceived, "livevoice.playback.chunks", "Inbound audio chunks reserved on the playback timeline."},
		{&met.DecodeErrors, "livevoice.playback.decode_errors", "Inbound audio chunks dropped as undecodable."},
		{&met.SourcesScheduled, "livevoice.playback.scheduled", "Decoded audio sources bound to the output device."},
		{&met.Underruns, "livevoice.playback.underruns", "Audio chunks that arrived after the playback cursor."},
		{&met.Interruptions, "livevoice.playback.interruptions", "Playback flushes by reason."},
		{&met.SourcesStopped, "livevoice.playback.stopped", "Audio sources silenced by interruptions."},
		{&met.SessionAttempts, "livevoice.session.attempts", "Session start attempts by provider and outcome."},
		{&met.SessionEnds, "livevoice.session.ends", "Sessions leaving the active state, by cause."},
		{&met.TranscriptEntries, "livevoice.transcript.entries", "Transcript fragments by speaker."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ConnectDuration, err = m.Float64Histogram("livevoice.session.connect.duration",
		metric.WithDescription("Latency from dial to setup acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevoice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordDropped records one dropped capture block.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSent records one capture block handed to the endpoint.
func (m *Metrics) RecordSent(ctx context.Context, status string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordInterruption records one playback flush and the number of sources it
// silenced.
func (m *Metrics) RecordInterruption(ctx context.Context, reason string, stopped int) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.Interruptions.Add(ctx, 1, attrs)
	m.SourcesStopped.Add(ctx, int64(stopped), attrs)
}

// RecordSessionAttempt records the outcome of one Start call.
func (m *Metrics) RecordSessionAttempt(ctx context.Context, provider, outcome string) {
	m.SessionAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordSessionEnd records a session leaving the active state.
func (m *Metrics) RecordSessionEnd(ctx context.Context, cause string) {
	m.SessionEnds.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

// RecordTranscriptEntry records one transcript fragment.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, speaker string) {
	m.TranscriptEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}
