// Package observe provides application-wide observability primitives for
// Briefwire: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Briefwire metrics.
const meterName = "github.com/veyra-labs/briefwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SendDuration tracks the latency of one provider turn, from send until
	// the matching response completes. Use with attribute:
	//   attribute.String("agent_type", ...)
	SendDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool-call handling latency (retrieve,
	// embed).
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// TranscriptChunks counts transcript chunks accepted into runtimes. Use
	// with attribute:
	//   attribute.Bool("final", ...)
	TranscriptChunks metric.Int64Counter

	// CardsEmitted counts cards persisted and pushed. Use with attribute:
	//   attribute.String("card_type", ...)
	CardsEmitted metric.Int64Counter

	// FactsUpserts counts individual fact upserts applied to fact stores.
	FactsUpserts metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// DroppedCommands counts mailbox commands rejected or discarded. Use
	// with attribute:
	//   attribute.String("reason", ...)
	DroppedCommands metric.Int64Counter

	// Reconnects counts session reconnect attempts. Use with attribute:
	//   attribute.String("agent_type", ...)
	Reconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveRuntimes tracks the number of event runtimes currently held in
	// memory.
	ActiveRuntimes metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live provider sessions across all
	// runtimes.
	ActiveSessions metric.Int64UpDownCounter

	// MailboxDepth tracks the number of commands queued across runtime
	// mailboxes.
	MailboxDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for provider-turn latencies.
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
	if met.SendDuration, err = m.Float64Histogram("briefwire.session.send.duration",
		metric.WithDescription("Latency of one provider turn by agent type."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("briefwire.tool_execution.duration",
		metric.WithDescription("Latency of tool-call handling."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TranscriptChunks, err = m.Int64Counter("briefwire.transcript.chunks",
		metric.WithDescription("Total transcript chunks accepted by finality."),
	); err != nil {
		return nil, err
	}
	if met.CardsEmitted, err = m.Int64Counter("briefwire.cards.emitted",
		metric.WithDescription("Total cards persisted by card type."),
	); err != nil {
		return nil, err
	}
	if met.FactsUpserts, err = m.Int64Counter("briefwire.facts.upserts",
		metric.WithDescription("Total fact upserts applied."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("briefwire.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.DroppedCommands, err = m.Int64Counter("briefwire.mailbox.dropped",
		metric.WithDescription("Total mailbox commands dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("briefwire.session.reconnects",
		metric.WithDescription("Total session reconnect attempts by agent type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRuntimes, err = m.Int64UpDownCounter("briefwire.active_runtimes",
		metric.WithDescription("Number of event runtimes currently in memory."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("briefwire.active_sessions",
		metric.WithDescription("Number of live provider sessions."),
	); err != nil {
		return nil, err
	}
	if met.MailboxDepth, err = m.Int64UpDownCounter("briefwire.mailbox.depth",
		metric.WithDescription("Commands queued across runtime mailboxes."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("briefwire.http.request.duration",
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

// RecordTranscriptChunk records one accepted transcript chunk.
func (m *Metrics) RecordTranscriptChunk(ctx context.Context, final bool) {
	m.TranscriptChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("final", final)),
	)
}

// RecordCardEmitted records one persisted card.
func (m *Metrics) RecordCardEmitted(ctx context.Context, cardType string) {
	m.CardsEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("card_type", cardType)),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordDroppedCommand records one dropped mailbox command.
func (m *Metrics) RecordDroppedCommand(ctx context.Context, reason string) {
	m.DroppedCommands.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordReconnect records one reconnect attempt for the given agent type.
func (m *Metrics) RecordReconnect(ctx context.Context, agentType string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent_type", agentType)),
	)
}
