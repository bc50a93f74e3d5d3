// Package observe provides application-wide observability primitives for
// voxlog: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitTelemetry] so that metrics can still be
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

// meterName is the instrumentation scope name used for all voxlog metrics.
const meterName = "github.com/MrWong99/voxlog"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks the latency of one batch transcription request.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency (reformat, summary).
	LLMDuration metric.Float64Histogram

	// NormalizeDuration tracks how long one segment takes to normalise.
	NormalizeDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// SegmentsSealed counts sealed segments. Use with attribute:
	//   attribute.String("reason", "rotation"|"stop")
	SegmentsSealed metric.Int64Counter

	// SegmentBytes counts raw PCM bytes handed to the normaliser.
	SegmentBytes metric.Int64Counter

	// Rotations counts rotation timer firings.
	Rotations metric.Int64Counter

	// UnitsEncoded counts encoded units. Use with attribute:
	//   attribute.String("container", ...)
	UnitsEncoded metric.Int64Counter

	// Pieces counts transcription outcomes. Use with attribute:
	//   attribute.String("status", "text"|"empty"|"failed")
	Pieces metric.Int64Counter

	// BreakerTransitions counts provider circuit breaker state changes. Use
	// with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// UnitsDropped counts audio discarded by the normaliser. Use with attribute:
	//   attribute.String("reason", "too_short"|"too_large"|"encode_error")
	UnitsDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live recording sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of identified speakers across
	// all live sessions.
	ActiveParticipants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for batch
// transcription and generation, which range from sub-second to minutes.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("voxlog.stt.duration",
		metric.WithDescription("Latency of one speech-to-text request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxlog.llm.duration",
		metric.WithDescription("Latency of LLM completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NormalizeDuration, err = m.Float64Histogram("voxlog.normalize.duration",
		metric.WithDescription("Time to split and encode one segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxlog.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsSealed, err = m.Int64Counter("voxlog.segments.sealed",
		metric.WithDescription("Total sealed speaker segments by seal reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentBytes, err = m.Int64Counter("voxlog.segments.bytes",
		metric.WithDescription("Raw PCM bytes captured into sealed segments."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Rotations, err = m.Int64Counter("voxlog.rotations",
		metric.WithDescription("Total segment rotations."),
	); err != nil {
		return nil, err
	}
	if met.UnitsEncoded, err = m.Int64Counter("voxlog.units.encoded",
		metric.WithDescription("Total encoded audio units by container."),
	); err != nil {
		return nil, err
	}
	if met.Pieces, err = m.Int64Counter("voxlog.transcription.pieces",
		metric.WithDescription("Total transcription outcomes by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxlog.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxlog.provider.breaker_transitions",
		metric.WithDescription("Provider circuit breaker state changes by provider, kind and new state."),
	); err != nil {
		return nil, err
	}
	if met.UnitsDropped, err = m.Int64Counter("voxlog.units.dropped",
		metric.WithDescription("Audio dropped by the normaliser by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlog.active_sessions",
		metric.WithDescription("Number of live recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("voxlog.active_participants",
		metric.WithDescription("Number of identified speakers across live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlog.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition records a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, kind, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("state", state),
		),
	)
}

// RecordSegmentSealed records one sealed segment of size bytes.
func (m *Metrics) RecordSegmentSealed(ctx context.Context, reason string, size int) {
	m.SegmentsSealed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SegmentBytes.Add(ctx, int64(size))
}

// RecordUnitEncoded records one unit produced by the normaliser.
func (m *Metrics) RecordUnitEncoded(ctx context.Context, container string) {
	m.UnitsEncoded.Add(ctx, 1, metric.WithAttributes(attribute.String("container", container)))
}

// RecordUnitDropped records audio discarded by the normaliser.
func (m *Metrics) RecordUnitDropped(ctx context.Context, reason string) {
	m.UnitsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPiece records one terminal transcription outcome.
func (m *Metrics) RecordPiece(ctx context.Context, status string) {
	m.Pieces.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
