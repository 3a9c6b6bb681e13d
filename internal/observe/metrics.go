// Package observe provides application-wide observability primitives for
// Renfield: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Renfield metrics.
const meterName = "github.com/renfield-hub/renfield"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks end-to-end turn latency from utterance to done.
	TurnDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ToolDispatchDuration tracks tool execution latency.
	ToolDispatchDuration metric.Float64Histogram

	// RetrievalDuration tracks knowledge-base retrieval latency.
	RetrievalDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// NotificationsDelivered counts notification deliveries to devices.
	NotificationsDelivered metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts AI provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks the number of turns currently executing.
	ActiveTurns metric.Int64UpDownCounter

	// ConnectedDevices tracks the number of registered online devices.
	ConnectedDevices metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// voice-turn latencies: tool calls land in the low buckets, full agent turns
// in the high ones.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("renfield.turn.duration",
		metric.WithDescription("End-to-end turn latency from utterance to done."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("renfield.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("renfield.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("renfield.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDispatchDuration, err = m.Float64Histogram("renfield.tool_dispatch.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("renfield.retrieval.duration",
		metric.WithDescription("Latency of knowledge-base retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("renfield.turns",
		metric.WithDescription("Total completed turns by channel and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("renfield.tool.calls",
		metric.WithDescription("Total tool invocations by provider, tool, and status."),
	); err != nil {
		return nil, err
	}
	if met.NotificationsDelivered, err = m.Int64Counter("renfield.notifications.delivered",
		metric.WithDescription("Total notification deliveries to devices."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("renfield.provider.errors",
		metric.WithDescription("Total AI provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("renfield.active_turns",
		metric.WithDescription("Number of turns currently executing."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedDevices, err = m.Int64UpDownCounter("renfield.connected_devices",
		metric.WithDescription("Number of registered online devices."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("renfield.http.request.duration",
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

// RecordTurn records one completed turn with its end-to-end latency.
func (m *Metrics) RecordTurn(ctx context.Context, channel, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordToolCall records one tool invocation with its latency. The signature
// matches the dispatcher's recorder hook.
func (m *Metrics) RecordToolCall(provider, tool string, duration time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	ctx := context.Background()
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDispatchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordProviderError records one AI provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordNotificationDelivery records one notification reaching a device.
func (m *Metrics) RecordNotificationDelivery(ctx context.Context) {
	m.NotificationsDelivered.Add(ctx, 1)
}
