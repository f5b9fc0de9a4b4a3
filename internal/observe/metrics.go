// Package observe provides application-wide observability primitives for
// seance: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// scopeName is the instrumentation scope of every seance meter and tracer.
const scopeName = "github.com/MrWong99/seance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks dial plus setup acknowledgement latency.
	ConnectDuration metric.Float64Histogram

	// BootstrapDuration tracks the time from setup acknowledgement until the
	// introduction turn has been written.
	BootstrapDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the clock each newly scheduled
	// segment ends, in seconds.
	PlaybackLead metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts microphone frames written to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames discarded before sending. Use
	// with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ContextSends counts text context injections. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	ContextSends metric.Int64Counter

	// SegmentsScheduled counts inbound audio segments handed to playback.
	SegmentsScheduled metric.Int64Counter

	// TranscriptFragments counts inbound transcript fragments. Use with
	// attribute:
	//   attribute.String("speaker", ...)
	TranscriptFragments metric.Int64Counter

	// --- Error counters ---

	// DecodeFailures counts inbound audio chunks that could not be decoded.
	DecodeFailures metric.Int64Counter

	// SendErrors counts failed transport writes. Use with attribute:
	//   attribute.String("payload", ...)
	SendErrors metric.Int64Counter

	// ArchiveErrors counts transcript entries that could not be archived.
	ArchiveErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and bootstrap latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// leadBuckets covers the playback queue depth, from an empty queue up to a
// long monologue buffered ahead of real time.
var leadBuckets = []float64{
	0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("seance.session.connect.duration",
		metric.WithDescription("Latency of dialing the engine and awaiting setup acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BootstrapDuration, err = m.Float64Histogram("seance.session.bootstrap.duration",
		metric.WithDescription("Latency of sending the project context and introduction turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("seance.playback.lead",
		metric.WithDescription("Scheduled audio ahead of the playback clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("seance.audio.frames_sent",
		metric.WithDescription("Total microphone frames written to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("seance.audio.frames_dropped",
		metric.WithDescription("Total microphone frames discarded before sending, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ContextSends, err = m.Int64Counter("seance.context.sends",
		metric.WithDescription("Total text context injections by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsScheduled, err = m.Int64Counter("seance.playback.segments",
		metric.WithDescription("Total inbound audio segments scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptFragments, err = m.Int64Counter("seance.transcript.fragments",
		metric.WithDescription("Total inbound transcript fragments by speaker."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeFailures, err = m.Int64Counter("seance.codec.decode_failures",
		metric.WithDescription("Total inbound audio chunks dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("seance.transport.send_errors",
		metric.WithDescription("Total failed transport writes by payload type."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveErrors, err = m.Int64Counter("seance.archive.errors",
		metric.WithDescription("Total transcript entries that failed to archive."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("seance.active_sessions",
		metric.WithDescription("Number of open voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("seance.http.request.duration",
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

// RecordContextSend records one context injection with its kind ("project",
// "intro", "file", "pending", "text", "instruction") and status ("ok",
// "error").
func (m *Metrics) RecordContextSend(ctx context.Context, kind, status string) {
	m.ContextSends.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordFrameDropped records one discarded microphone frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSendError records one failed transport write for payload ("audio",
// "context").
func (m *Metrics) RecordSendError(ctx context.Context, payload string) {
	m.SendErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("payload", payload)),
	)
}

// RecordTranscriptFragment records one inbound transcript fragment.
func (m *Metrics) RecordTranscriptFragment(ctx context.Context, speaker string) {
	m.TranscriptFragments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}
