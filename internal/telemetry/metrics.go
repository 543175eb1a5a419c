// Package telemetry records pipeline metrics and spans through OpenTelemetry.
//
// The recorders use the global OTel providers. Install real providers with
// otel.SetMeterProvider / otel.SetTracerProvider before constructing them;
// without that the OTel no-op providers are used.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/incrementventures/adt-studio-sub000"

// Metrics records pipeline metrics.
// Use NewMetrics() for OTel metrics or NoopMetrics{} when disabled.
type Metrics interface {
	// RecordLLMCall records one model call attempt.
	RecordLLMCall(ctx context.Context, call LLMCall)

	// RecordNode records a node resolution. fromStore is true when the
	// completion check short-circuited the computation.
	RecordNode(ctx context.Context, node string, fromStore bool, duration time.Duration, err error)

	// RecordJob records a job reaching a terminal state.
	RecordJob(ctx context.Context, kind, status string, duration time.Duration)
}

// LLMCall describes a model call attempt for metrics.
type LLMCall struct {
	Task         string
	Model        string
	CacheHit     bool
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	Failed       bool
}

type otelMetrics struct {
	llmCalls     metric.Int64Counter
	llmLatency   metric.Float64Histogram
	llmTokens    metric.Int64Counter
	llmFailures  metric.Int64Counter
	cacheHits    metric.Int64Counter
	nodeRuns     metric.Int64Counter
	nodeLatency  metric.Float64Histogram
	nodeErrors   metric.Int64Counter
	jobsFinished metric.Int64Counter
	jobLatency   metric.Float64Histogram
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &otelMetrics{}
	var err error

	if m.llmCalls, err = meter.Int64Counter("adt.llm.calls",
		metric.WithDescription("Number of model call attempts"),
	); err != nil {
		return nil, err
	}
	if m.llmLatency, err = meter.Float64Histogram("adt.llm.latency_ms",
		metric.WithDescription("Model call latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.llmTokens, err = meter.Int64Counter("adt.llm.tokens",
		metric.WithDescription("Tokens consumed by model calls"),
	); err != nil {
		return nil, err
	}
	if m.llmFailures, err = meter.Int64Counter("adt.llm.failures",
		metric.WithDescription("Model call attempts that failed transport or validation"),
	); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter("adt.cache.hits",
		metric.WithDescription("Model calls answered from the response cache"),
	); err != nil {
		return nil, err
	}
	if m.nodeRuns, err = meter.Int64Counter("adt.node.resolutions",
		metric.WithDescription("Number of node resolutions"),
	); err != nil {
		return nil, err
	}
	if m.nodeLatency, err = meter.Float64Histogram("adt.node.latency_ms",
		metric.WithDescription("Node resolution latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.nodeErrors, err = meter.Int64Counter("adt.node.errors",
		metric.WithDescription("Number of failed node resolutions"),
	); err != nil {
		return nil, err
	}
	if m.jobsFinished, err = meter.Int64Counter("adt.queue.jobs",
		metric.WithDescription("Jobs that reached a terminal state"),
	); err != nil {
		return nil, err
	}
	if m.jobLatency, err = meter.Float64Histogram("adt.queue.job_latency_ms",
		metric.WithDescription("Job run time in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetrics returns an OTel-backed Metrics. If instrument creation fails
// it logs a warning and returns NoopMetrics.
func NewMetrics() Metrics {
	m, err := newOtelMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder", "error", err)
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordLLMCall(ctx context.Context, call LLMCall) {
	attrs := metric.WithAttributes(
		attribute.String("task", call.Task),
		attribute.String("model", call.Model),
		attribute.Bool("cache_hit", call.CacheHit),
	)
	m.llmCalls.Add(ctx, 1, attrs)
	m.llmLatency.Record(ctx, float64(call.Duration.Milliseconds()), attrs)
	if call.CacheHit {
		m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("task", call.Task)))
	}
	if call.InputTokens > 0 {
		m.llmTokens.Add(ctx, int64(call.InputTokens), metric.WithAttributes(
			attribute.String("model", call.Model), attribute.String("direction", "input")))
	}
	if call.OutputTokens > 0 {
		m.llmTokens.Add(ctx, int64(call.OutputTokens), metric.WithAttributes(
			attribute.String("model", call.Model), attribute.String("direction", "output")))
	}
	if call.Failed {
		m.llmFailures.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordNode(ctx context.Context, node string, fromStore bool, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("node", node),
		attribute.Bool("from_store", fromStore),
	)
	m.nodeRuns.Add(ctx, 1, attrs)
	m.nodeLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.nodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("node", node)))
	}
}

func (m *otelMetrics) RecordJob(ctx context.Context, kind, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.jobsFinished.Add(ctx, 1, attrs)
	m.jobLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}
