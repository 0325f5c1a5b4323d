package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys shared by spans and metric points.
var (
	AttrTaskID     = attribute.Key("atlas.task.id")
	AttrTrigger    = attribute.Key("atlas.trigger.name")
	AttrSessionKey = attribute.Key("atlas.session.key")
	AttrOperation  = attribute.Key("atlas.op")
	AttrOutcome    = attribute.Key("atlas.outcome")
)

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan starts an internal span. A nil tracer yields a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan is StartSpan for inbound gateway and MCP requests.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// EndSpan marks span failed when err is non-nil, then ends it.
func EndSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
