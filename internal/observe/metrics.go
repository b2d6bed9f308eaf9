// Package observe provides application-wide observability primitives for
// voxlink: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

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
	// --- Latency histograms ---

	// HandshakeDuration tracks the time from Open until the session is
	// Connected or has failed. Use with attribute:
	//   attribute.String("outcome", "connected"|"error"|"disconnected")
	HandshakeDuration metric.Float64Histogram

	// PlaybackGap tracks the length of audible silence inserted because an
	// inbound chunk arrived after the previous one finished playing.
	PlaybackGap metric.Float64Histogram

	// --- Counters ---

	// StateTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// PacketsSent counts microphone packets accepted for sending.
	PacketsSent metric.Int64Counter

	// ChunksReceived counts decoded inbound audio chunks.
	ChunksReceived metric.Int64Counter

	// AudioReceived accumulates the duration of inbound audio in seconds.
	AudioReceived metric.Float64Counter

	// --- Error counters ---

	// SendErrors counts dropped outbound packets.
	SendErrors metric.Int64Counter

	// DecodeErrors counts dropped inbound payloads.
	DecodeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions that have not yet been
	// torn down.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake latency.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// gapBuckets defines histogram bucket boundaries (in seconds) for playback
// gaps. Gaps below 10ms are inaudible in practice.
var gapBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("voxlink.handshake.duration",
		metric.WithDescription("Latency from handshake start until the session is connected or failed."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackGap, err = m.Float64Histogram("voxlink.playback.gap",
		metric.WithDescription("Silence inserted between consecutive inbound chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(gapBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StateTransitions, err = m.Int64Counter("voxlink.session.transitions",
		metric.WithDescription("Total session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.PacketsSent, err = m.Int64Counter("voxlink.capture.packets",
		metric.WithDescription("Total microphone packets accepted for sending."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("voxlink.playback.chunks",
		metric.WithDescription("Total inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.AudioReceived, err = m.Float64Counter("voxlink.playback.audio",
		metric.WithDescription("Total duration of inbound audio."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SendErrors, err = m.Int64Counter("voxlink.transport.send_errors",
		metric.WithDescription("Total outbound packets dropped."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voxlink.transport.decode_errors",
		metric.WithDescription("Total inbound payloads that failed to decode."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordTransition records a state transition counter increment with the
// standard attribute set.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(Attr("from", from), Attr("to", to)),
	)
}

// RecordHandshake records how long the handshake took and how it ended.
func (m *Metrics) RecordHandshake(ctx context.Context, d time.Duration, outcome string) {
	m.HandshakeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("outcome", outcome)),
	)
}

// RecordChunk records one inbound chunk of the given duration.
func (m *Metrics) RecordChunk(ctx context.Context, d time.Duration) {
	m.ChunksReceived.Add(ctx, 1)
	m.AudioReceived.Add(ctx, d.Seconds())
}

// RecordGap records a playback gap.
func (m *Metrics) RecordGap(ctx context.Context, d time.Duration) {
	m.PlaybackGap.Record(ctx, d.Seconds())
}
