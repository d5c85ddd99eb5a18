// Package observability wires OpenTelemetry metrics with a Prometheus
// exporter. A disabled collector is a valid value: every recording method
// is nil-safe so callers never guard.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config configures the metrics collector.
type Config struct {
	Enabled bool `json:"enabled"`
}

// Metrics holds every instrument the kernel records into.
type Metrics struct {
	meter metric.Meter

	eventsAppended metric.Int64Counter
	tasksActive    metric.Int64UpDownCounter

	toolExecutions metric.Int64Counter
	toolDuration   metric.Float64Histogram

	llmRequests  metric.Int64Counter
	llmLatency   metric.Float64Histogram
	tokensInput  metric.Int64Counter
	tokensOutput metric.Int64Counter

	interactionsPending metric.Int64UpDownCounter
	wsConnections       metric.Int64UpDownCounter
}

// NewMetrics creates the collector. When cfg.Enabled is false it returns an
// inert collector whose methods do nothing.
func NewMetrics(cfg Config) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("seed")

	m := &Metrics{meter: meter}

	if m.eventsAppended, err = meter.Int64Counter(
		"seed.events.appended.total",
		metric.WithDescription("Total domain events appended to the log"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	if m.tasksActive, err = meter.Int64UpDownCounter(
		"seed.tasks.active",
		metric.WithDescription("Tasks with a live runtime"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tasks gauge: %w", err)
	}

	if m.toolExecutions, err = meter.Int64Counter(
		"seed.tool.executions.total",
		metric.WithDescription("Total tool executions"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool counter: %w", err)
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"seed.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool histogram: %w", err)
	}

	if m.llmRequests, err = meter.Int64Counter(
		"seed.llm.requests.total",
		metric.WithDescription("Total LLM completion requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm counter: %w", err)
	}

	if m.llmLatency, err = meter.Float64Histogram(
		"seed.llm.latency",
		metric.WithDescription("LLM request latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm histogram: %w", err)
	}

	if m.tokensInput, err = meter.Int64Counter(
		"seed.llm.tokens.input",
		metric.WithDescription("Total prompt tokens sent"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create input token counter: %w", err)
	}

	if m.tokensOutput, err = meter.Int64Counter(
		"seed.llm.tokens.output",
		metric.WithDescription("Total completion tokens received"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create output token counter: %w", err)
	}

	if m.interactionsPending, err = meter.Int64UpDownCounter(
		"seed.interactions.pending",
		metric.WithDescription("Interactions awaiting a user response"),
		metric.WithUnit("{interaction}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create interaction gauge: %w", err)
	}

	if m.wsConnections, err = meter.Int64UpDownCounter(
		"seed.ws.connections",
		metric.WithDescription("Open websocket connections"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ws gauge: %w", err)
	}

	return m, nil
}

// RecordEventsAppended records n events appended to the log.
func (m *Metrics) RecordEventsAppended(ctx context.Context, n int) {
	if m == nil || m.eventsAppended == nil {
		return
	}
	m.eventsAppended.Add(ctx, int64(n))
}

// TaskRuntimeStarted increments the live-runtime gauge.
func (m *Metrics) TaskRuntimeStarted(ctx context.Context) {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Add(ctx, 1)
}

// TaskRuntimeStopped decrements the live-runtime gauge.
func (m *Metrics) TaskRuntimeStopped(ctx context.Context) {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Add(ctx, -1)
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(ctx context.Context, toolName string, isError bool, duration time.Duration) {
	if m == nil || m.toolExecutions == nil {
		return
	}
	status := "ok"
	if isError {
		status = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	}
	m.toolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool_name", toolName)))
}

// RecordLLMRequest records one completion round trip.
func (m *Metrics) RecordLLMRequest(ctx context.Context, model, status string, latency time.Duration, inputTokens, outputTokens int) {
	if m == nil || m.llmRequests == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("status", status),
	}
	m.llmRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.llmLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
	m.tokensInput.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.tokensOutput.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model)))
}

// InteractionOpened increments the pending-interaction gauge.
func (m *Metrics) InteractionOpened(ctx context.Context) {
	if m == nil || m.interactionsPending == nil {
		return
	}
	m.interactionsPending.Add(ctx, 1)
}

// InteractionClosed decrements the pending-interaction gauge.
func (m *Metrics) InteractionClosed(ctx context.Context) {
	if m == nil || m.interactionsPending == nil {
		return
	}
	m.interactionsPending.Add(ctx, -1)
}

// WSConnected increments the websocket connection gauge.
func (m *Metrics) WSConnected(ctx context.Context) {
	if m == nil || m.wsConnections == nil {
		return
	}
	m.wsConnections.Add(ctx, 1)
}

// WSDisconnected decrements the websocket connection gauge.
func (m *Metrics) WSDisconnected(ctx context.Context) {
	if m == nil || m.wsConnections == nil {
		return
	}
	m.wsConnections.Add(ctx, -1)
}
