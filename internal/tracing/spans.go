package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const poolTracerName = "substrate-pool"

func poolTracer() trace.Tracer { return Tracer(poolTracerName) }

// TracePoolSpawn opens a span around spawning a worker for a task.
func TracePoolSpawn(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	ctx, span := poolTracer().Start(ctx, "pool.spawn", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// TraceAdapterHealthCheck opens a span around an adapter health probe.
func TraceAdapterHealthCheck(ctx context.Context, adapterID string) (context.Context, trace.Span) {
	ctx, span := poolTracer().Start(ctx, "adapter.health_check", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("adapter_id", adapterID))
	return ctx, span
}

// TraceEngineDispatch opens a span around the engine admitting a ready task.
func TraceEngineDispatch(ctx context.Context, sessionID, taskID string) (context.Context, trace.Span) {
	ctx, span := poolTracer().Start(ctx, "engine.dispatch", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("task_id", taskID),
	)
	return ctx, span
}

// EndWithError records err on span (if non-nil) and ends the span.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
