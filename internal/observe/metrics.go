// Package observe provides application-wide observability primitives for
// Ligvox: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Ligvox metrics.
const meterName = "github.com/ligvox/ligvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTFinalLatency tracks the time from utterance end to final transcript.
	STTFinalLatency metric.Float64Histogram

	// LLMFirstToken tracks the time from completion request to first token.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstFrame tracks the time from first text fragment to first audio
	// frame.
	TTSFirstFrame metric.Float64Histogram

	// TurnLatency tracks end-to-end response latency: caller stops speaking
	// to agent audio starting.
	TurnLatency metric.Float64Histogram

	// CallDuration tracks total call length from answer to hangup.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts calls by direction. Use with attribute:
	//   attribute.String("direction", ...)
	CallsStarted metric.Int64Counter

	// CallsEnded counts terminated calls. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("outcome", ...)
	CallsEnded metric.Int64Counter

	// BargeIns counts caller interruptions during agent speech.
	BargeIns metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// WebhookDeliveries counts webhook delivery attempts. Use with attribute:
	//   attribute.String("status", ...) — "delivered", "retrying", "failed"
	WebhookDeliveries metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// RunningCampaigns tracks the number of campaigns in the running state.
	RunningCampaigns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets covers typical telephony call lengths (in seconds).
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTFinalLatency, err = m.Float64Histogram("ligvox.stt.final_latency",
		metric.WithDescription("Time from utterance end to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("ligvox.llm.first_token",
		metric.WithDescription("Time from completion request to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstFrame, err = m.Float64Histogram("ligvox.tts.first_frame",
		metric.WithDescription("Time from first text fragment to first audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("ligvox.turn.latency",
		metric.WithDescription("Caller stops speaking to agent audio starting."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("ligvox.call.duration",
		metric.WithDescription("Total call length from answer to hangup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("ligvox.calls.started",
		metric.WithDescription("Total calls started by direction."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("ligvox.calls.ended",
		metric.WithDescription("Total calls ended by direction and outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("ligvox.barge_ins",
		metric.WithDescription("Total caller interruptions during agent speech."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("ligvox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.WebhookDeliveries, err = m.Int64Counter("ligvox.webhook.deliveries",
		metric.WithDescription("Total webhook delivery attempts by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("ligvox.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.RunningCampaigns, err = m.Int64UpDownCounter("ligvox.running_campaigns",
		metric.WithDescription("Number of campaigns currently running."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("ligvox.http.request.duration",
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

// RecordCallStarted increments the started counter and the active gauge.
func (m *Metrics) RecordCallStarted(ctx context.Context, direction string) {
	m.CallsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnded increments the ended counter, decrements the active gauge,
// and records the call duration.
func (m *Metrics) RecordCallEnded(ctx context.Context, direction, outcome string, durationSec float64) {
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("outcome", outcome),
		),
	)
	m.ActiveCalls.Add(ctx, -1)
	m.CallDuration.Record(ctx, durationSec)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordWebhookDelivery increments the webhook delivery counter.
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, status string) {
	m.WebhookDeliveries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
