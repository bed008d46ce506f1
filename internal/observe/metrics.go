// Package observe provides application-wide observability primitives for
// FaceStream: OpenTelemetry metrics and the provider initialisation that
// bridges them to Prometheus.
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

// meterName is the instrumentation scope name used for all FaceStream
// metrics.
const meterName = "github.com/Volpestyle/facestream"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// PlanDuration tracks turn planning latency.
	PlanDuration metric.Float64Histogram

	// SpeechDuration tracks speech synthesis latency.
	SpeechDuration metric.Float64Histogram

	// StreamDuration tracks end-to-end turn streaming time.
	StreamDuration metric.Float64Histogram

	// TickDuration tracks quality-controller tick latency.
	TickDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("reason", ...)
	ProviderErrors metric.Int64Counter

	// QualityActions counts emitted recovery actions. Use with attribute:
	//   attribute.String("type", ...)
	QualityActions metric.Int64Counter

	// LateFrames counts video frames that missed their deadline or were
	// dropped on queue overflow.
	LateFrames metric.Int64Counter

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("persona_id", ...)
	Turns metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// DegradeLevel records the current quality degrade level per session.
	// Use with attribute: attribute.String("session_id", ...)
	DegradeLevel metric.Int64Gauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for real-time media pipeline latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PlanDuration, err = m.Float64Histogram("facestream.plan.duration",
		metric.WithDescription("Latency of turn planning."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechDuration, err = m.Float64Histogram("facestream.speech.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamDuration, err = m.Float64Histogram("facestream.stream.duration",
		metric.WithDescription("End-to-end turn streaming time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TickDuration, err = m.Float64Histogram("facestream.controller.tick.duration",
		metric.WithDescription("Latency of quality-controller ticks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("facestream.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("facestream.provider.errors",
		metric.WithDescription("Total provider errors by provider and reason token."),
	); err != nil {
		return nil, err
	}
	if met.QualityActions, err = m.Int64Counter("facestream.quality.actions",
		metric.WithDescription("Total recovery actions emitted by the quality controller, by type."),
	); err != nil {
		return nil, err
	}
	if met.LateFrames, err = m.Int64Counter("facestream.video.late_frames",
		metric.WithDescription("Video frames that missed their send deadline or overflowed the queue."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("facestream.turns",
		metric.WithDescription("Completed turns by persona."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("facestream.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.DegradeLevel, err = m.Int64Gauge("facestream.quality.degrade_level",
		metric.WithDescription("Current quality degrade level by session."),
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment with its reason token.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, reason string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("reason", reason),
		),
	)
}

// RecordQualityAction is a convenience method that records an emitted
// recovery action.
func (m *Metrics) RecordQualityAction(ctx context.Context, actionType string) {
	m.QualityActions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", actionType)),
	)
}

// RecordDegradeLevel records the session's current degrade level.
func (m *Metrics) RecordDegradeLevel(ctx context.Context, sessionID string, level int) {
	m.DegradeLevel.Record(ctx, int64(level),
		metric.WithAttributes(attribute.String("session_id", sessionID)),
	)
}
