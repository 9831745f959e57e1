// Package observe provides application-wide observability primitives for the
// relay: OpenTelemetry metrics, distributed tracing, structured logging, and
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/ttsrelay/core"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SynthDuration tracks external TTS synthesis call latency.
	SynthDuration metric.Float64Histogram

	// QueueWaitDuration tracks how long a work item waits before a channel
	// worker dequeues it.
	QueueWaitDuration metric.Float64Histogram

	// --- Counters ---

	// WorkItemsEnqueued counts items admitted to a channel queue. Use with
	// attributes: attribute.String("channel", ...), attribute.String("type", ...).
	WorkItemsEnqueued metric.Int64Counter

	// WorkItemsDropped counts items rejected at enqueue (queue full, no
	// active clients, policy violation). Use with attributes:
	// attribute.String("channel", ...), attribute.String("reason", ...).
	WorkItemsDropped metric.Int64Counter

	// PipelineDecisions counts chat-message decision-table outcomes. Use with
	// attributes: attribute.String("channel", ...), attribute.String("outcome", ...).
	PipelineDecisions metric.Int64Counter

	// RedemptionTransitions counts Channel-Points redemption state-machine
	// transitions. Use with attributes: attribute.String("channel", ...),
	// attribute.String("transition", ...).
	RedemptionTransitions metric.Int64Counter

	// WebhookEvents counts EventSub notifications processed. Use with
	// attributes: attribute.String("subscription_type", ...), attribute.String("status", ...).
	WebhookEvents metric.Int64Counter

	// --- Error counters ---

	// SynthErrors counts TTS provider call failures. Use with attributes:
	// attribute.String("kind", ...).
	SynthErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveFanoutConnections tracks the number of currently connected
	// overlay WebSocket clients across all channels.
	ActiveFanoutConnections metric.Int64UpDownCounter

	// QueueDepth tracks the number of pending items across all channel
	// queues.
	QueueDepth metric.Int64UpDownCounter

	// ChatLeaderHeld tracks whether this replica currently holds the chat
	// leadership lease (0 or 1).
	ChatLeaderHeld metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for chat-to-speech pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthDuration, err = m.Float64Histogram("ttsrelay.synth.duration",
		metric.WithDescription("Latency of external TTS provider synthesis calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueWaitDuration, err = m.Float64Histogram("ttsrelay.queue.wait_duration",
		metric.WithDescription("Time a work item spends queued before a channel worker dequeues it."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.WorkItemsEnqueued, err = m.Int64Counter("ttsrelay.work_items.enqueued",
		metric.WithDescription("Total work items admitted to a channel queue, by channel and type."),
	); err != nil {
		return nil, err
	}
	if met.WorkItemsDropped, err = m.Int64Counter("ttsrelay.work_items.dropped",
		metric.WithDescription("Total work items rejected at enqueue, by channel and reason."),
	); err != nil {
		return nil, err
	}
	if met.PipelineDecisions, err = m.Int64Counter("ttsrelay.pipeline.decisions",
		metric.WithDescription("Total chat-message decision-table outcomes, by channel and outcome."),
	); err != nil {
		return nil, err
	}
	if met.RedemptionTransitions, err = m.Int64Counter("ttsrelay.redemption.transitions",
		metric.WithDescription("Total Channel-Points redemption state transitions, by channel and transition."),
	); err != nil {
		return nil, err
	}
	if met.WebhookEvents, err = m.Int64Counter("ttsrelay.webhook.events",
		metric.WithDescription("Total EventSub notifications processed, by subscription type and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SynthErrors, err = m.Int64Counter("ttsrelay.synth.errors",
		metric.WithDescription("Total TTS provider call failures, by error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveFanoutConnections, err = m.Int64UpDownCounter("ttsrelay.fanout.active_connections",
		metric.WithDescription("Number of currently connected overlay WebSocket clients."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("ttsrelay.queue.depth",
		metric.WithDescription("Number of pending work items across all channel queues."),
	); err != nil {
		return nil, err
	}
	if met.ChatLeaderHeld, err = m.Int64UpDownCounter("ttsrelay.chat_leader.held",
		metric.WithDescription("Whether this replica currently holds the chat leadership lease."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("ttsrelay.http.request.duration",
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

// RecordEnqueue is a convenience method that records a work-item enqueue
// counter increment with the standard attribute set.
func (m *Metrics) RecordEnqueue(ctx context.Context, channel, itemType string) {
	m.WorkItemsEnqueued.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("type", itemType),
		),
	)
}

// RecordDrop is a convenience method that records a work-item drop counter
// increment with the standard attribute set.
func (m *Metrics) RecordDrop(ctx context.Context, channel, reason string) {
	m.WorkItemsDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("reason", reason),
		),
	)
}

// RecordPipelineDecision is a convenience method that records a pipeline
// decision-table outcome counter increment.
func (m *Metrics) RecordPipelineDecision(ctx context.Context, channel, outcome string) {
	m.PipelineDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordRedemptionTransition is a convenience method that records a
// redemption state-machine transition counter increment.
func (m *Metrics) RecordRedemptionTransition(ctx context.Context, channel, transition string) {
	m.RedemptionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("transition", transition),
		),
	)
}

// RecordWebhookEvent is a convenience method that records a webhook
// notification counter increment.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, subscriptionType, status string) {
	m.WebhookEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("subscription_type", subscriptionType),
			attribute.String("status", status),
		),
	)
}

// RecordSynthError is a convenience method that records a TTS provider error
// counter increment.
func (m *Metrics) RecordSynthError(ctx context.Context, kind string) {
	m.SynthErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
