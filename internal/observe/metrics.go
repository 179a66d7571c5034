// Package observe provides application-wide observability primitives for
// livevox: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livevox metrics.
const meterName = "github.com/MrWong99/livevox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long a transport takes to connect. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks wall-clock session length. Use with attribute:
	//   attribute.String("outcome", ...)
	SessionDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the output clock each chunk was
	// scheduled. Zero means the chunk started immediately.
	PlaybackLead metric.Float64Histogram

	// --- Counters ---

	// CaptureFrames counts frames produced by the capture stage.
	CaptureFrames metric.Int64Counter

	// FramesSent counts frames accepted by the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames the transport refused. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// InboundEvents counts transport events by kind. Use with attribute:
	//   attribute.String("kind", ...)
	InboundEvents metric.Int64Counter

	// DecodeErrors counts inbound audio chunks dropped as malformed.
	DecodeErrors metric.Int64Counter

	// PlaybackChunks counts chunks handed to the output device.
	PlaybackChunks metric.Int64Counter

	// TurnsCompleted counts transcript entries finalised at turn boundaries.
	// Use with attribute:
	//   attribute.String("speaker", ...)
	TurnsCompleted metric.Int64Counter

	// HistoryHandoffs counts transcript hand-offs. Use with attribute:
	//   attribute.String("status", ...)
	HistoryHandoffs metric.Int64Counter

	// --- Error counters ---

	// SessionFailures counts sessions that ended in Failed. Use with attribute:
	//   attribute.String("kind", ...)
	SessionFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connect and scheduling latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers sessions from a few seconds to an hour.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("livevox.connect.duration",
		metric.WithDescription("Latency of opening a live transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("livevox.session.duration",
		metric.WithDescription("Length of live sessions by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("livevox.playback.lead",
		metric.WithDescription("Delay between chunk arrival and its scheduled start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("livevox.capture.frames",
		metric.WithDescription("Total frames produced by the capture stage."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("livevox.transport.frames_sent",
		metric.WithDescription("Total audio frames accepted by the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livevox.transport.frames_dropped",
		metric.WithDescription("Total audio frames refused by the transport, by reason."),
	); err != nil {
		return nil, err
	}
	if met.InboundEvents, err = m.Int64Counter("livevox.transport.events",
		metric.WithDescription("Total inbound transport events by kind."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("livevox.playback.decode_errors",
		metric.WithDescription("Total inbound audio chunks dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("livevox.playback.chunks",
		metric.WithDescription("Total audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("livevox.transcript.entries",
		metric.WithDescription("Total transcript entries finalised, by speaker."),
	); err != nil {
		return nil, err
	}
	if met.HistoryHandoffs, err = m.Int64Counter("livevox.history.handoffs",
		metric.WithDescription("Total transcript hand-offs to the history store by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionFailures, err = m.Int64Counter("livevox.session.failures",
		metric.WithDescription("Total failed sessions by error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevox.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevox.http.request.duration",
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

// RecordConnect records a transport connect attempt and its latency.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordInboundEvent increments the inbound event counter for kind.
func (m *Metrics) RecordInboundEvent(ctx context.Context, kind string) {
	m.InboundEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFrameDropped increments the dropped-frame counter for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionEnd records the duration of a finished session and, for
// failures, increments the failure counter for kind.
func (m *Metrics) RecordSessionEnd(ctx context.Context, outcome, kind string, d time.Duration) {
	m.SessionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	if kind != "" {
		m.SessionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordHistoryHandoff increments the history hand-off counter for status.
func (m *Metrics) RecordHistoryHandoff(ctx context.Context, status string) {
	m.HistoryHandoffs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
