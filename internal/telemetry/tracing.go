package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartNodeSpan starts a span for one node resolution.
func StartNodeSpan(ctx context.Context, runID, node, scope string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "node."+node,
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("node.name", node),
			attribute.String("node.scope", scope),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartJobSpan starts a span for one queued job execution.
func StartJobSpan(ctx context.Context, jobID int64, kind, label string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "job."+kind,
		trace.WithAttributes(
			attribute.Int64("job.id", jobID),
			attribute.String("job.kind", kind),
			attribute.String("book.label", label),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartLLMSpan starts a span around a validated model call.
func StartLLMSpan(ctx context.Context, task, model string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "llm."+task,
		trace.WithAttributes(
			attribute.String("llm.task", task),
			attribute.String("llm.model", model),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan completes a span, recording err if non-nil.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddEvent adds an event to the span stored in ctx, if it is recording.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
