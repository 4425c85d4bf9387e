// internal/logging/context.go
package logging

import (
	"context"

	"github.com/fyrsmithlabs/concierge/internal/correlation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)
	if ctx == nil {
		return fields
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if threadID, ok := correlation.ThreadID(ctx); ok {
		fields = append(fields, zap.String("thread.id", threadID))
	}
	if stepID, ok := correlation.StepID(ctx); ok {
		fields = append(fields, zap.String("step.id", stepID))
	}
	if ticketID := TicketIDFromContext(ctx); ticketID != "" {
		fields = append(fields, zap.String("ticket.id", ticketID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type ticketCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// WithTicketID adds the ticket identifier to context.
func WithTicketID(ctx context.Context, ticketID string) context.Context {
	return context.WithValue(ctx, ticketCtxKey{}, ticketID)
}

// TicketIDFromContext extracts the ticket identifier from context.
func TicketIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ticketCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithRequestID adds the inbound request identifier to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request identifier from context.
func RequestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if none is stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}

// EnsureLogger stores logger in ctx unless ctx already carries one.
func EnsureLogger(ctx context.Context, logger *Logger) context.Context {
	if _, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return ctx
	}
	return WithLogger(ctx, logger)
}
