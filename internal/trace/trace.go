// Package trace provides the distributed trace context stamped on every
// fabric call. A trace id identifies the whole conversation; a fresh span id
// is minted for each execution attempt. The trace context is the one field
// guaranteed to appear on every response, success or error.
package trace

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Context carries the trace identifiers for a single call.
type Context struct {
	TraceID      string  `json:"trace_id"`
	SpanID       string  `json:"span_id"`
	ParentSpanID *string `json:"parent_span_id"`
}

// New creates a fresh trace context (new trace id, new span id, no parent).
func New() Context {
	return Context{
		TraceID: uuid.New().String(),
		SpanID:  uuid.New().String(),
	}
}

// Adopt creates a trace context continuing the caller-supplied trace.
// An empty traceID behaves like New. parentSpanID may be empty.
func Adopt(traceID, parentSpanID string) Context {
	tc := New()
	if traceID != "" {
		tc.TraceID = traceID
	}
	if parentSpanID != "" {
		tc.ParentSpanID = &parentSpanID
	}
	return tc
}

// Child creates a new span within the same trace, parented on tc.
// Used when the pipeline retries a call against a fallback agent: each
// attempt gets its own span id.
func (tc Context) Child() Context {
	parent := tc.SpanID
	return Context{
		TraceID:      tc.TraceID,
		SpanID:       uuid.New().String(),
		ParentSpanID: &parent,
	}
}

// Logger returns a child logger with the trace fields attached so every
// log line emitted while handling the call carries them.
func (tc Context) Logger(base zerolog.Logger) zerolog.Logger {
	return base.With().
		Str("trace_id", tc.TraceID).
		Str("span_id", tc.SpanID).
		Logger()
}

type ctxKey struct{}

// WithContext stores the trace context on a context.Context.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext retrieves the trace context, or a fresh one if absent.
func FromContext(ctx context.Context) Context {
	if tc, ok := ctx.Value(ctxKey{}).(Context); ok {
		return tc
	}
	return New()
}
