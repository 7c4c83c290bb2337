package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSessionSpan opens the root span for one peer conversation. The caller
// ends it when the session stops.
func StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session",
		trace.WithAttributes(SessionAttrs(sessionID)...),
	)
}

// StartTurnSpan opens a span covering one user-to-assistant exchange.
func StartTurnSpan(ctx context.Context, sessionID string, turnID uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, "turn",
		trace.WithAttributes(TurnAttrs(sessionID, turnID)...),
	)
}

// StartStageSpan opens a span for one stage's work on one turn, e.g.
// "stage.llm" or "stage.tts".
func StartStageSpan(ctx context.Context, stage, sessionID string, turnID uint64) (context.Context, trace.Span) {
	attrs := TurnAttrs(sessionID, turnID)
	attrs = append(attrs, attribute.String(AttrPipelineStage, stage))
	return StartSpan(ctx, fmt.Sprintf("stage.%s", stage),
		trace.WithAttributes(attrs...),
	)
}

// WithSpan runs fn inside a span and records its error.
func WithSpan(ctx context.Context, spanName string, fn func(context.Context) error, opts ...trace.SpanStartOption) error {
	ctx, span := StartSpan(ctx, spanName, opts...)
	defer span.End()

	if err := fn(ctx); err != nil {
		RecordError(span, err)
		return err
	}
	return nil
}

// RecordError marks the span failed and attaches the error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the active trace id, or "" outside a recording span.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
