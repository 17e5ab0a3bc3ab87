// Package otel provides tracing helpers shared by the replication engine.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys attached to replication spans
const (
	AttrReplication = attribute.Key("replication.name")
	AttrEndpoint    = attribute.Key("replication.endpoint")
	AttrDirection   = attribute.Key("replication.direction")
	AttrContinuous  = attribute.Key("replication.continuous")
	AttrSessionID   = attribute.Key("replication.session_id")
	AttrChangeCount = attribute.Key("replication.change_count")
)

// StartSpan starts a span on tracer, or returns the span already in ctx when tracer is nil
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records err on span and marks it failed.
// The status description stays generic; details live in the error event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
