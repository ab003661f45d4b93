// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context key types
type sessionCtxKey struct{}
type iterationCtxKey struct{}
type phaseCtxKey struct{}
type itemCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context: otel trace ids plus
// the loop session, iteration, phase and work item currently in flight.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := SessionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("session.id", id))
	}
	if it, ok := ctx.Value(iterationCtxKey{}).(int); ok {
		fields = append(fields, zap.Int("loop.iteration", it))
	}
	if phase, ok := ctx.Value(phaseCtxKey{}).(string); ok && phase != "" {
		fields = append(fields, zap.String("loop.phase", phase))
	}
	if id, ok := ctx.Value(itemCtxKey{}).(string); ok && id != "" {
		fields = append(fields, zap.String("item.id", id))
	}

	return fields
}

// WithSessionID adds the loop session ID to context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// SessionIDFromContext extracts the session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithIteration tags the context with the current loop iteration.
func WithIteration(ctx context.Context, iteration int) context.Context {
	return context.WithValue(ctx, iterationCtxKey{}, iteration)
}

// WithPhase tags the context with the current loop phase.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// WithItemID tags the context with the work item being processed.
func WithItemID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, itemCtxKey{}, id)
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if none was stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
