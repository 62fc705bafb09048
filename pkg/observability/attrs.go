package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Gateway semantic convention attributes.
var (
	// Request attributes
	AttrTool          = attribute.Key("gateway.tool")
	AttrAction        = attribute.Key("gateway.action")
	AttrCorrelationID = attribute.Key("gateway.correlation_id")
	AttrAgentID       = attribute.Key("gateway.agent.id")

	// Outcome attributes
	AttrErrorKind = attribute.Key("gateway.error.kind")
	AttrCacheHit  = attribute.Key("gateway.cache.hit")

	// Policy attributes
	AttrPolicyReason = attribute.Key("gateway.policy.reason")
)

// RequestAttrs creates the attributes every proxied request span carries.
func RequestAttrs(tool, action, correlationID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTool.String(tool),
		AttrAction.String(action),
		AttrCorrelationID.String(correlationID),
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the span in ctx. A nil err is a no-op.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
