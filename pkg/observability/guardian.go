package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Guardian semantic convention attributes.
var (
	AttrDecisionID = attribute.Key("guardian.decision.id")
	AttrTaskID     = attribute.Key("guardian.task.id")
	AttrLane       = attribute.Key("guardian.lane")
	AttrActionType = attribute.Key("guardian.action.type")
	AttrStatus     = attribute.Key("guardian.status")
	AttrTier       = attribute.Key("guardian.tier")
	AttrBackend    = attribute.Key("guardian.backend")
	AttrLockKey    = attribute.Key("guardian.lock.key")
)

// GuardOperation creates attributes for a guarded execution.
func GuardOperation(taskID, lane, actionType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTaskID.String(taskID),
		AttrLane.String(lane),
		AttrActionType.String(actionType),
	}
}

// AddSpanEvent adds an event to the span carried by the context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanError records a non-nil error on the current span.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}
