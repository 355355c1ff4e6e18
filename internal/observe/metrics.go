// Package observe provides application-wide observability primitives for
// Aura: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Aura metrics.
const meterName = "github.com/hawkfranklin/aura"

// Outcome attribute values shared by the capture and playback counters.
const (
	OutcomeSent          = "sent"
	OutcomeMuted         = "muted"
	OutcomeSendError     = "send_error"
	OutcomeScheduled     = "scheduled"
	OutcomeDecodeError   = "decode_error"
	OutcomeScheduleError = "schedule_error"
	OutcomeApplied       = "applied"
	OutcomeRejected      = "rejected"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts microphone frames by outcome. Use with attribute:
	//   attribute.String("outcome", "sent"|"muted"|"send_error")
	CaptureFrames metric.Int64Counter

	// InputLevel reports the most recent volume meter reading (0–100).
	InputLevel metric.Float64Gauge

	// --- Playback ---

	// PlaybackChunks counts inbound audio chunks by outcome. Use with attribute:
	//   attribute.String("outcome", "scheduled"|"decode_error"|"schedule_error")
	PlaybackChunks metric.Int64Counter

	// PlaybackLead tracks how far ahead of the output clock each chunk was
	// scheduled.
	PlaybackLead metric.Float64Histogram

	// Interruptions counts server-signalled barge-ins.
	Interruptions metric.Int64Counter

	// FlushedChunks counts queued chunks dropped by interruptions.
	FlushedChunks metric.Int64Counter

	// --- Session ---

	// ConnectDuration tracks how long the transport handshake took.
	ConnectDuration metric.Float64Histogram

	// SessionErrors counts terminal session failures. Use with attribute:
	//   attribute.String("kind", "device"|"transport"|"connect")
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of open live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Config ---

	// ConfigReloads counts config file edits picked up by the watcher. Use
	// with attribute:
	//   attribute.String("outcome", "applied"|"rejected")
	ConfigReloads metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connect and playback-lead latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.CaptureFrames, err = m.Int64Counter("aura.capture.frames",
		metric.WithDescription("Microphone frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.InputLevel, err = m.Float64Gauge("aura.capture.level",
		metric.WithDescription("Most recent microphone volume level on a 0-100 scale."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackChunks, err = m.Int64Counter("aura.playback.chunks",
		metric.WithDescription("Inbound audio chunks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("aura.playback.lead",
		metric.WithDescription("Distance between the output clock and a chunk's scheduled start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("aura.playback.interruptions",
		metric.WithDescription("Server-signalled interruptions."),
	); err != nil {
		return nil, err
	}
	if met.FlushedChunks, err = m.Int64Counter("aura.playback.flushed_chunks",
		metric.WithDescription("Queued chunks dropped because of an interruption."),
	); err != nil {
		return nil, err
	}

	// Session.
	if met.ConnectDuration, err = m.Float64Histogram("aura.session.connect.duration",
		metric.WithDescription("Latency of the transport handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("aura.session.errors",
		metric.WithDescription("Terminal session failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("aura.active_sessions",
		metric.WithDescription("Number of open live sessions."),
	); err != nil {
		return nil, err
	}

	// Config.
	if met.ConfigReloads, err = m.Int64Counter("aura.config.reloads",
		metric.WithDescription("Config file edits by outcome."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aura.http.request.duration",
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

// RecordFrame counts one captured frame with the given outcome.
func (m *Metrics) RecordFrame(ctx context.Context, outcome string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordChunk counts one inbound audio chunk with the given outcome.
func (m *Metrics) RecordChunk(ctx context.Context, outcome string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordInterruption counts one interruption and the chunks it flushed.
func (m *Metrics) RecordInterruption(ctx context.Context, flushed int) {
	m.Interruptions.Add(ctx, 1)
	if flushed > 0 {
		m.FlushedChunks.Add(ctx, int64(flushed))
	}
}

// RecordSessionError counts one terminal session failure.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordLead records how far ahead of now a chunk was placed.
func (m *Metrics) RecordLead(ctx context.Context, lead time.Duration) {
	m.PlaybackLead.Record(ctx, lead.Seconds())
}

// RecordConfigReload counts one config file edit with the given outcome.
func (m *Metrics) RecordConfigReload(ctx context.Context, outcome string) {
	m.ConfigReloads.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}
