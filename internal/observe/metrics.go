// Package observe provides application-wide observability primitives for
// Nova: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served by
// [MetricsHandler]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Nova metrics.
const meterName = "github.com/MrWong99/nova"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks a whole conversation turn, input to playback end.
	// Use with attributes:
	//   attribute.String("mode", ...), attribute.String("outcome", ...)
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Utterances counts segmenter results. Use with attributes:
	//   attribute.String("outcome", "finalized"|"discarded"), attribute.String("reason", ...)
	Utterances metric.Int64Counter

	// Turns counts finished turns. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// DroppedInputs counts input that arrived while a turn was in progress.
	DroppedInputs metric.Int64Counter

	// ReconnectAttempts counts voice reconnect attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ReconnectAttempts metric.Int64Counter

	// --- Gauges ---

	// ActiveChannels tracks the number of joined voice channels.
	ActiveChannels metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method,
	// route pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "nova.stt.duration", "Latency of speech-to-text transcription."},
		{&met.LLMDuration, "nova.llm.duration", "Latency of LLM inference."},
		{&met.TTSDuration, "nova.tts.duration", "Latency of text-to-speech synthesis."},
		{&met.TurnDuration, "nova.turn.duration", "Latency of a whole conversation turn."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "nova.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "nova.provider.errors", "Total provider errors by provider and kind."},
		{&met.Utterances, "nova.segment.utterances", "Captures ended by the speech segmenter by outcome and reason."},
		{&met.Turns, "nova.turn.count", "Conversation turns by mode and outcome."},
		{&met.DroppedInputs, "nova.turn.dropped_inputs", "Inputs dropped because a turn was already in progress."},
		{&met.ReconnectAttempts, "nova.channel.reconnect_attempts", "Voice reconnect attempts by status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveChannels, err = m.Int64UpDownCounter("nova.active_channels",
		metric.WithDescription("Number of joined voice channels."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("nova.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordUtterance records one segmenter result. reason is empty for
// finalized utterances.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome, reason string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("reason", reason),
		),
	)
}

// RecordTurn records a finished turn and its latency in seconds.
func (m *Metrics) RecordTurn(ctx context.Context, mode, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, attrs)
}

// RecordDroppedInput records an input discarded while busy.
func (m *Metrics) RecordDroppedInput(ctx context.Context, mode string) {
	m.DroppedInputs.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordReconnectAttempt records one reconnect attempt.
func (m *Metrics) RecordReconnectAttempt(ctx context.Context, status string) {
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
