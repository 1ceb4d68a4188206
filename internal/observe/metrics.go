// Package observe provides application-wide observability primitives for
// sttmux: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all sttmux metrics.
const meterName = "github.com/sttmux/sttmux"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Streaming gauges and counters ---

	// ActiveSessions tracks the number of live streaming sockets.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsTotal counts opened sessions. Use with attribute:
	//   attribute.String("mode", "stream"|"compare"|"replay"|"voice")
	SessionsTotal metric.Int64Counter

	// FramesIngested counts audio frames accepted from the wire. Use with:
	//   attribute.String("path", "pcm"|"decoded")
	FramesIngested metric.Int64Counter

	// FramesDropped counts frames discarded by the backlog governor. Use
	// with attribute.String("provider", ...).
	FramesDropped metric.Int64Counter

	// ProviderFailures counts provider sessions marked failed. Use with:
	//   attribute.String("provider", ...), attribute.String("reason", ...)
	ProviderFailures metric.Int64Counter

	// TranscriptsEmitted counts transcripts sent to clients. Use with:
	//   attribute.String("provider", ...), attribute.Bool("final", ...)
	TranscriptsEmitted metric.Int64Counter

	// --- Latency histograms ---

	// TranscriptLatency tracks capture-to-transcript latency in seconds,
	// by provider.
	TranscriptLatency metric.Float64Histogram

	// --- Batch ---

	// BatchFiles counts processed (file, provider) pairs. Use with:
	//   attribute.String("provider", ...), attribute.String("status", "ok"|"error")
	BatchFiles metric.Int64Counter

	// BatchProcessing tracks per-(file, provider) transcription time.
	BatchProcessing metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-to-transcript latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges and counters.
	if met.ActiveSessions, err = m.Int64UpDownCounter("sttmux.sessions.active",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsTotal, err = m.Int64Counter("sttmux.sessions.total",
		metric.WithDescription("Total opened sessions by mode."),
	); err != nil {
		return nil, err
	}
	if met.FramesIngested, err = m.Int64Counter("sttmux.audio.frames",
		metric.WithDescription("Audio frames accepted from the wire by ingest path."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("sttmux.audio.frames_dropped",
		metric.WithDescription("Frames discarded by the backlog governor, by provider."),
	); err != nil {
		return nil, err
	}
	if met.ProviderFailures, err = m.Int64Counter("sttmux.provider.failures",
		metric.WithDescription("Provider sessions marked failed, by provider and reason."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsEmitted, err = m.Int64Counter("sttmux.transcripts",
		metric.WithDescription("Transcripts emitted to clients by provider and finality."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.TranscriptLatency, err = m.Float64Histogram("sttmux.transcript.latency",
		metric.WithDescription("Capture-to-transcript latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Batch.
	if met.BatchFiles, err = m.Int64Counter("sttmux.batch.files",
		metric.WithDescription("Processed (file, provider) pairs by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.BatchProcessing, err = m.Float64Histogram("sttmux.batch.processing.duration",
		metric.WithDescription("Per-(file, provider) transcription time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sttmux.http.request.duration",
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

// RecordTranscript records one emitted transcript and, when latencyMs is
// non-negative, its latency.
func (m *Metrics) RecordTranscript(ctx context.Context, provider string, final bool, latencyMs float64) {
	m.TranscriptsEmitted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.Bool("final", final),
		),
	)
	if latencyMs >= 0 {
		m.TranscriptLatency.Record(ctx, latencyMs/1000,
			metric.WithAttributes(attribute.String("provider", provider)),
		)
	}
}

// RecordProviderFailure records one failed provider session.
func (m *Metrics) RecordProviderFailure(ctx context.Context, provider, reason string) {
	m.ProviderFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("reason", reason),
		),
	)
}

// RecordBatchFile records one processed (file, provider) pair.
func (m *Metrics) RecordBatchFile(ctx context.Context, provider, status string, processingSec float64) {
	m.BatchFiles.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	if processingSec > 0 {
		m.BatchProcessing.Record(ctx, processingSec,
			metric.WithAttributes(attribute.String("provider", provider)),
		)
	}
}
