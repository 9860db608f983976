// Package observe provides application-wide observability primitives for
// medscribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the local /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
//
// Every Record method is safe to call on a nil *Metrics, so components can
// treat metrics as optional.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all medscribe metrics.
const meterName = "github.com/MrWong99/medscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio capture ---

	// ChunksSent counts audio chunks that passed the VAD gate and were handed
	// to the transport.
	ChunksSent metric.Int64Counter

	// ChunksDropped counts windows that were not sent. Use with attribute:
	//   attribute.String("reason", "silence"|"limit"|"overflow"|"backpressure")
	ChunksDropped metric.Int64Counter

	// LimitReached counts sessions that hit a capture ceiling. Use with attribute:
	//   attribute.String("kind", ...)
	LimitReached metric.Int64Counter

	// ChunkPeak records the peak amplitude of every sent chunk.
	ChunkPeak metric.Float64Histogram

	// --- Question generation ---

	// GenerationDuration tracks generation request latency.
	GenerationDuration metric.Float64Histogram

	// GenerationRequests counts generation attempts. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	GenerationRequests metric.Int64Counter

	// --- Transport ---

	// Reconnects counts reconnect attempts. Use with attribute:
	//   attribute.String("outcome", "success"|"failure"|"exhausted")
	Reconnects metric.Int64Counter

	// --- Coordination ---

	// DedupRejected counts messages rejected as duplicates.
	DedupRejected metric.Int64Counter

	// ActiveSessions tracks the number of recording sessions in progress.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP ---

	// HTTPRequestDuration tracks HTTP request time for both the local health
	// listener and outbound REST calls. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// fast REST calls up to slow AI generation requests.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90,
}

// amplitudeBuckets spans the useful range of normalised peak amplitudes.
var amplitudeBuckets = []float64{
	0.01, 0.015, 0.02, 0.05, 0.1, 0.2, 0.4, 0.7, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunksSent, err = m.Int64Counter("medscribe.audio.chunks_sent",
		metric.WithDescription("Audio chunks handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("medscribe.audio.chunks_dropped",
		metric.WithDescription("Audio windows not sent, by reason."),
	); err != nil {
		return nil, err
	}
	if met.LimitReached, err = m.Int64Counter("medscribe.audio.limit_reached",
		metric.WithDescription("Sessions that reached a capture ceiling, by kind."),
	); err != nil {
		return nil, err
	}
	if met.ChunkPeak, err = m.Float64Histogram("medscribe.audio.chunk_peak",
		metric.WithDescription("Peak amplitude of sent chunks."),
		metric.WithExplicitBucketBoundaries(amplitudeBuckets...),
	); err != nil {
		return nil, err
	}

	if met.GenerationDuration, err = m.Float64Histogram("medscribe.generation.duration",
		metric.WithDescription("Latency of question generation requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationRequests, err = m.Int64Counter("medscribe.generation.requests",
		metric.WithDescription("Question generation attempts by mode and status."),
	); err != nil {
		return nil, err
	}

	if met.Reconnects, err = m.Int64Counter("medscribe.transport.reconnects",
		metric.WithDescription("Transport reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DedupRejected, err = m.Int64Counter("medscribe.dedup.rejected",
		metric.WithDescription("Messages rejected as duplicate echoes."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("medscribe.active_sessions",
		metric.WithDescription("Number of recording sessions in progress."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("medscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordChunkSent records a sent chunk and its peak amplitude.
func (m *Metrics) RecordChunkSent(ctx context.Context, peak float64) {
	if m == nil {
		return
	}
	m.ChunksSent.Add(ctx, 1)
	m.ChunkPeak.Record(ctx, peak)
}

// RecordChunkDropped records a window that was not sent.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordLimitReached records a capture ceiling being hit.
func (m *Metrics) RecordLimitReached(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.LimitReached.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordGeneration records one generation attempt with its outcome and
// latency. Pass a zero duration for attempts rejected before any request was
// issued.
func (m *Metrics) RecordGeneration(ctx context.Context, mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	m.GenerationRequests.Add(ctx, 1, attrs)
	if d > 0 {
		m.GenerationDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordReconnect records a reconnect attempt outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDedupRejected records a rejected duplicate message.
func (m *Metrics) RecordDedupRejected(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.DedupRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

// RecordHTTPRequest records the latency of one HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status", status),
		),
	)
}
