// Package observe provides application-wide observability primitives for
// livecaption: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all livecaption metrics.
const meterName = "github.com/MrWong99/livecaption"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptionDuration tracks one transcription request end to end,
	// retries included. Use with attribute.String("backend", ...).
	TranscriptionDuration metric.Float64Histogram

	// CaptionLatency tracks the time from segment seal to caption enqueue.
	CaptionLatency metric.Float64Histogram

	// --- Counters ---

	// TranscriptionAttempts counts backend calls. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	TranscriptionAttempts metric.Int64Counter

	// TranscriptionErrors counts failed requests after retries. Use with
	// attributes:
	//   attribute.String("backend", ...), attribute.String("kind", ...)
	TranscriptionErrors metric.Int64Counter

	// Segments counts sealed and dropped segments. Use with attributes:
	//   attribute.String("outcome", "sealed"|"dropped"), attribute.String("reason", ...)
	Segments metric.Int64Counter

	// CaptionsShown counts captions that became visible.
	CaptionsShown metric.Int64Counter

	// CaptureFallbacks counts sessions that fell back to polling capture.
	CaptureFallbacks metric.Int64Counter

	// DroppedFrames counts audio frames dropped because the pipeline fell
	// behind.
	DroppedFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live caption sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// segment transcription, which takes from a few hundred milliseconds up to
// the 30 s request timeout.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("livecaption.transcription.duration",
		metric.WithDescription("Latency of one transcription request including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptionLatency, err = m.Float64Histogram("livecaption.caption.latency",
		metric.WithDescription("Time from segment seal to caption enqueue."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TranscriptionAttempts, err = m.Int64Counter("livecaption.transcription.attempts",
		metric.WithDescription("Total transcription backend calls by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionErrors, err = m.Int64Counter("livecaption.transcription.errors",
		metric.WithDescription("Total failed transcription requests by backend and kind."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("livecaption.segments",
		metric.WithDescription("Speech segments by outcome and reason."),
	); err != nil {
		return nil, err
	}
	if met.CaptionsShown, err = m.Int64Counter("livecaption.captions.shown",
		metric.WithDescription("Captions that became visible."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFallbacks, err = m.Int64Counter("livecaption.capture.fallbacks",
		metric.WithDescription("Sessions that fell back to polling capture."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("livecaption.capture.dropped_frames",
		metric.WithDescription("Audio frames dropped because the pipeline fell behind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livecaption.active_sessions",
		metric.WithDescription("Number of live caption sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livecaption.http.request.duration",
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

// RecordTranscriptionAttempt records one backend call with the standard
// attribute set.
func (m *Metrics) RecordTranscriptionAttempt(ctx context.Context, backend, status string) {
	m.TranscriptionAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordTranscriptionError records a request that failed after all retries.
func (m *Metrics) RecordTranscriptionError(ctx context.Context, backend, kind string) {
	m.TranscriptionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
		),
	)
}

// RecordSegment records a segment outcome ("sealed" or "dropped") with the
// reason it was dropped, if any.
func (m *Metrics) RecordSegment(ctx context.Context, outcome, reason string) {
	m.Segments.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("reason", reason),
		),
	)
}
