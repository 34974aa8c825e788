package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WithTrace returns the logger annotated with the trace and span IDs of
// the span recorded in ctx, if any. Handlers running under the tracing
// middleware use this so relay logs can be correlated with Jaeger.
func WithTrace(ctx context.Context, log *zap.SugaredLogger) *zap.SugaredLogger {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return log
	}
	return log.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
