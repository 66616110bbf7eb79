package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
var (
	AttrJobID    = attribute.Key("taskvisor.job.id")
	AttrAgentID  = attribute.Key("taskvisor.agent.id")
	AttrAttempt  = attribute.Key("taskvisor.attempt")
	AttrMode     = attribute.Key("taskvisor.execution_mode")
	AttrVerdict  = attribute.Key("taskvisor.verdict")
	AttrStatus   = attribute.Key("taskvisor.status")
	AttrStage    = attribute.Key("taskvisor.stage")
	AttrTraceID  = attribute.Key("taskvisor.trace_id")
	AttrModel    = attribute.Key("taskvisor.oracle.model")
	AttrSkipped  = attribute.Key("taskvisor.tick.skip_reason")
	AttrRunState = attribute.Key("taskvisor.run.status")
)

// StartSpan starts an internal span (a tick or a watchdog sweep).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an operator API request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (job store, run trigger, oracle).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
