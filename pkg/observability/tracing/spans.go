package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mcfalli/TickSTockAppV2-sub007/pipeline"

// SpanOperation names a traced pipeline step.
type SpanOperation string

const (
	SpanOperationFlush     SpanOperation = "buffer.flush"
	SpanOperationImmediate SpanOperation = "dispatch.immediate"
	SpanOperationBroadcast SpanOperation = "dispatch.broadcast"
	SpanOperationConnect   SpanOperation = "bus.connect"
)

// Attribute keys shared by pipeline spans.
const (
	AttrKind     = attribute.Key("tickstream.kind")
	AttrReason   = attribute.Key("tickstream.flush_reason")
	AttrCount    = attribute.Key("tickstream.event_count")
	AttrSessions = attribute.Key("tickstream.sessions")
	AttrChannel  = attribute.Key("messaging.destination.name")
	AttrBus      = attribute.Key("messaging.system")
	AttrAttempt  = attribute.Key("tickstream.attempt")
)

// StartSpan starts an internal span for a pipeline step using the global provider.
func StartSpan(ctx context.Context, op SpanOperation, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, string(op), trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attrs...)
	return ctx, span
}

// StartConsumerSpan starts a consumer span for bus interaction.
func StartConsumerSpan(ctx context.Context, op SpanOperation, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, string(op), trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attrs...)
	return ctx, span
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Attribute is a span attribute.
type Attribute = attribute.KeyValue
