// Package observe provides application-wide observability primitives for the
// call bridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Recording an instrument is lock-free in the SDK's steady state, so the
// real-time audio adapters record counters directly from the media clock.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/MrWong99/callbridge"

// Failure and rejection reasons used as the "reason" attribute.
const (
	ReasonBackpressure = "backpressure"
	ReasonClosed       = "closed"
	ReasonReleased     = "released"
	ReasonProcessor    = "processor"
	ReasonTimeout      = "timeout"
	ReasonQueueFull    = "queue_full"
	ReasonFormat       = "format"
	ReasonConnect      = "connect"
	ReasonBusy         = "busy"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ProcessingDuration tracks the external processing round trip. Use with
	// attributes: attribute.String("processor", ...), attribute.String("status", ...)
	ProcessingDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Audio path counters ---

	// ChunksCaptured counts capture chunks cut by capture adapters.
	ChunksCaptured metric.Int64Counter

	// ChunksDispatched counts chunks accepted by the dispatcher.
	ChunksDispatched metric.Int64Counter

	// DispatchFailures counts chunks lost before or during processing. Use
	// with attribute: attribute.String("reason", ...)
	DispatchFailures metric.Int64Counter

	// ResponsesDelivered counts response chunks enqueued for playback.
	ResponsesDelivered metric.Int64Counter

	// ResponsesStale counts responses discarded because their session closed.
	ResponsesStale metric.Int64Counter

	// PlaybackUnderruns counts playback pulls padded with silence.
	PlaybackUnderruns metric.Int64Counter

	// PlaybackContention counts playback pulls that could not take the queue
	// lock and played silence instead.
	PlaybackContention metric.Int64Counter

	// RealtimePanics counts panics recovered on the media clock. Use with
	// attribute: attribute.String("direction", "capture"|"playback")
	RealtimePanics metric.Int64Counter

	// --- Session counters ---

	// SessionSetupFailures counts calls left unbridged. Use with attribute:
	//   attribute.String("reason", ...)
	SessionSetupFailures metric.Int64Counter

	// SessionsRejected counts calls refused by the busy policy.
	SessionsRejected metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of bridged calls.
	ActiveSessions metric.Int64UpDownCounter

	// InFlightRequests tracks processing requests currently outstanding.
	InFlightRequests metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// processing round trips, which are typically tens of milliseconds to a few
// seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ProcessingDuration, err = m.Float64Histogram("callbridge.processing.duration",
		metric.WithDescription("Latency of the external processing round trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ChunksCaptured, "callbridge.chunks.captured", "Capture chunks cut from call audio."},
		{&met.ChunksDispatched, "callbridge.chunks.dispatched", "Chunks submitted to the processor."},
		{&met.DispatchFailures, "callbridge.dispatch.failures", "Chunks lost before or during processing, by reason."},
		{&met.ResponsesDelivered, "callbridge.responses.delivered", "Response chunks enqueued for playback."},
		{&met.ResponsesStale, "callbridge.responses.stale", "Responses discarded because their session had closed."},
		{&met.PlaybackUnderruns, "callbridge.playback.underruns", "Playback frames padded with silence."},
		{&met.PlaybackContention, "callbridge.playback.contention", "Playback frames replaced by silence due to lock contention."},
		{&met.RealtimePanics, "callbridge.realtime.panics", "Panics recovered on the media clock, by direction."},
		{&met.SessionSetupFailures, "callbridge.session.setup_failures", "Calls left unbridged, by reason."},
		{&met.SessionsRejected, "callbridge.sessions.rejected", "Calls rejected by the busy policy."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("callbridge.active_sessions",
		metric.WithDescription("Number of bridged calls."),
	); err != nil {
		return nil, err
	}
	if met.InFlightRequests, err = m.Int64UpDownCounter("callbridge.inflight_requests",
		metric.WithDescription("Number of outstanding processing requests."),
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

// RecordDispatchFailure increments [Metrics.DispatchFailures] for reason.
func (m *Metrics) RecordDispatchFailure(ctx context.Context, reason string) {
	m.DispatchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProcessing records one processing round trip.
func (m *Metrics) RecordProcessing(ctx context.Context, processor, status string, seconds float64) {
	m.ProcessingDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("processor", processor),
			attribute.String("status", status),
		),
	)
}

// RecordSetupFailure increments [Metrics.SessionSetupFailures] for reason.
func (m *Metrics) RecordSetupFailure(ctx context.Context, reason string) {
	m.SessionSetupFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRealtimePanic increments [Metrics.RealtimePanics] for direction.
func (m *Metrics) RecordRealtimePanic(ctx context.Context, direction string) {
	m.RealtimePanics.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}
