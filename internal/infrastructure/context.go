package infrastructure

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// traceIDContextKey stores the per-request trace ID.
const traceIDContextKey contextKey = "trace_id"

// WithTraceID returns ctx carrying the given trace ID, minting one when
// empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return context.WithValue(ctx, traceIDContextKey, traceID)
}

// TraceIDFromContext extracts the trace ID, or "" when absent.
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDContextKey).(string); ok {
		return v
	}
	return ""
}
