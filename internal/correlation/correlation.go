// Package correlation binds units of work to the conversation thread they belong to.
//
// The binding travels inside context.Context (and workflow.Context on the Temporal
// side), so it is scoped to one task's dynamic extent: every goroutine that derives
// its context from a bound parent sees the same thread, siblings with different
// bindings never observe each other, and nothing is left behind when the call
// returns. Code that needs the current thread, such as the observability sink or the
// logger, reads it with ThreadID instead of taking it as a parameter.
package correlation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// AttrThreadID is the span attribute carrying the thread identifier.
const AttrThreadID = attribute.Key("concierge.thread_id")

// AttrStepID is the span attribute carrying the plan step identifier.
const AttrStepID = attribute.Key("concierge.step_id")

type threadCtxKey struct{}
type stepCtxKey struct{}

// valuer is satisfied by both context.Context and workflow.Context.
type valuer interface {
	Value(key interface{}) interface{}
}

// WithThread returns a context bound to threadID. An empty id leaves ctx unbound.
func WithThread(ctx context.Context, threadID string) context.Context {
	if threadID == "" {
		return ctx
	}
	return context.WithValue(ctx, threadCtxKey{}, threadID)
}

// ThreadID returns the thread bound to ctx, if any.
func ThreadID(ctx context.Context) (string, bool) {
	return lookup(ctx, threadCtxKey{})
}

// Run calls fn with a context bound to threadID. The binding exists only for the
// duration of fn, including when fn fails or panics.
func Run(ctx context.Context, threadID string, fn func(ctx context.Context) error) error {
	return fn(WithThread(ctx, threadID))
}

// WithStep narrows a bound context to one plan step.
func WithStep(ctx context.Context, stepID string) context.Context {
	if stepID == "" {
		return ctx
	}
	return context.WithValue(ctx, stepCtxKey{}, stepID)
}

// StepID returns the plan step bound to ctx, if any.
func StepID(ctx context.Context) (string, bool) {
	return lookup(ctx, stepCtxKey{})
}

// Attributes returns span attributes for the bindings present in ctx.
func Attributes(ctx context.Context) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if id, ok := ThreadID(ctx); ok {
		attrs = append(attrs, AttrThreadID.String(id))
	}
	if id, ok := StepID(ctx); ok {
		attrs = append(attrs, AttrStepID.String(id))
	}
	return attrs
}

func lookup(v valuer, key interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	id, ok := v.Value(key).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
