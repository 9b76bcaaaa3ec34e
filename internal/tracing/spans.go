package tracing

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for coordination tracing.
const (
	AttrToolName  = "tool.name"
	AttrSessionID = "session.id"
	AttrAgentID   = "agent.id"
	AttrTaskID    = "task.id"
	AttrRequestID = "permission.request_id"
	AttrNamespace = "mailbox.namespace"
	AttrMsgType   = "message.type"
)

// Span name prefixes.
const (
	SpanPrefixTool    = "tool."
	SpanPrefixMailbox = "mailbox."
	SpanPrefixSession = "session."
)

// Event names for span events.
const (
	EventMessageSent      = "message.sent"
	EventMessageReceived  = "message.received"
	EventMessageSkipped   = "message.skipped"
	EventPermissionQueued = "permission.queued"
	EventSessionPersisted = "session.persisted"
)

// StartToolSpan opens a span for one coordinator tool invocation.
func StartToolSpan(ctx context.Context, tracer trace.Tracer, toolName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanPrefixTool+toolName,
		trace.WithSpanKind(trace.SpanKindServer))
}

// EndToolSpan records the invocation outcome and closes the span.
func EndToolSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
