// Package observe provides application-wide observability primitives for
// billvoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the debug listener's /metrics endpoint. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all billvoice metrics.
const meterName = "github.com/MrWong99/billvoice"

// Playback chunk outcomes used with [Metrics.RecordChunk].
const (
	ChunkScheduled   = "scheduled"
	ChunkDuplicate   = "duplicate"
	ChunkDecodeError = "decode_error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long the realtime relay takes to accept a
	// socket.
	ConnectDuration metric.Float64Histogram

	// AssistantDuration tracks text-mode assistant round trips. Use with
	// attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	AssistantDuration metric.Float64Histogram

	// TranscriptionDuration tracks dictation transcription latency.
	TranscriptionDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureFrames counts microphone frames offered to the transport. Use
	// with attribute:
	//   attribute.String("result", "sent"|"dropped")
	CaptureFrames metric.Int64Counter

	// RealtimeEvents counts inbound relay events by type.
	RealtimeEvents metric.Int64Counter

	// ProtocolErrors counts inbound messages dropped as malformed.
	ProtocolErrors metric.Int64Counter

	// PlaybackChunks counts audio deltas by outcome. Use with attribute:
	//   attribute.String("result", ChunkScheduled|ChunkDuplicate|ChunkDecodeError)
	PlaybackChunks metric.Int64Counter

	// PlaybackScheduled accumulates the seconds of audio handed to the
	// output device.
	PlaybackScheduled metric.Float64Counter

	// PlaybackCancels counts playback cancellations (barge-in, stop, mode
	// switch).
	PlaybackCancels metric.Int64Counter

	// BillAutofills counts autofill deliveries. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	BillAutofills metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live realtime voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   method, route (a debug listener path or "other") and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips to the relay and the assistant backends.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("billvoice.realtime.connect.duration",
		metric.WithDescription("Latency of opening the realtime relay socket."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AssistantDuration, err = m.Float64Histogram("billvoice.assistant.duration",
		metric.WithDescription("Latency of text-mode assistant replies by backend and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("billvoice.dictation.duration",
		metric.WithDescription("Latency of dictation transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("billvoice.capture.frames",
		metric.WithDescription("Microphone frames offered to the transport by result."),
	); err != nil {
		return nil, err
	}
	if met.RealtimeEvents, err = m.Int64Counter("billvoice.realtime.events",
		metric.WithDescription("Inbound realtime events by type."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("billvoice.realtime.protocol_errors",
		metric.WithDescription("Inbound realtime messages dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("billvoice.playback.chunks",
		metric.WithDescription("Assistant audio deltas by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackScheduled, err = m.Float64Counter("billvoice.playback.scheduled",
		metric.WithDescription("Seconds of assistant audio scheduled on the output device."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.PlaybackCancels, err = m.Int64Counter("billvoice.playback.cancels",
		metric.WithDescription("Playback cancellations."),
	); err != nil {
		return nil, err
	}
	if met.BillAutofills, err = m.Int64Counter("billvoice.bill.autofills",
		metric.WithDescription("Bill autofill deliveries by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("billvoice.active_sessions",
		metric.WithDescription("Number of live realtime voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("billvoice.http.request.duration",
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

// RecordFrame counts one microphone frame and whether the transport took it.
func (m *Metrics) RecordFrame(ctx context.Context, sent bool) {
	result := "sent"
	if !sent {
		result = "dropped"
	}
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordEvent counts one inbound realtime event.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	m.RealtimeEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordChunk counts one assistant audio delta with the given outcome.
func (m *Metrics) RecordChunk(ctx context.Context, result string) {
	m.PlaybackChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordAssistant records one text-mode assistant round trip.
func (m *Metrics) RecordAssistant(ctx context.Context, backend, status string, seconds float64) {
	m.AssistantDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordAutofill counts one bill autofill delivery.
func (m *Metrics) RecordAutofill(ctx context.Context, status string) {
	m.BillAutofills.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
