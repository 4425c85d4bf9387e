package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concierge/internal/correlation"
	"github.com/fyrsmithlabs/concierge/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/concierge/internal/tracing"

// Observer records units of work to a sink and as spans.
type Observer struct {
	sink   Sink
	tracer trace.Tracer
	now    func() time.Time
}

// NewObserver creates an observer. A nil tracer uses the global provider; a nil
// sink discards units.
func NewObserver(sink Sink, tracer trace.Tracer) *Observer {
	if sink == nil {
		sink = NopSink{}
	}
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &Observer{sink: sink, tracer: tracer, now: time.Now}
}

// Sink returns the sink units are recorded to.
func (o *Observer) Sink() Sink {
	if o == nil {
		return NopSink{}
	}
	return o.sink
}

// Observe runs fn as one unit of work. The thread and step come from the
// correlation binding in ctx. A failure to record the unit is logged, never
// returned; fn's result and error pass through unchanged.
func Observe[T any](ctx context.Context, o *Observer, name string, kind Kind, input any, fn func(ctx context.Context) (T, error)) (T, error) {
	if o == nil {
		return fn(ctx)
	}

	attrs := append(correlation.Attributes(ctx), attribute.String("concierge.unit.kind", string(kind)))
	ctx, span := o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	start := o.now()
	out, err := fn(ctx)
	elapsed := o.now().Sub(start)

	u := Unit{
		Name:     name,
		Kind:     kind,
		Input:    encode(input),
		Duration: elapsed,
		At:       start,
	}
	u.ThreadID, _ = correlation.ThreadID(ctx)
	u.StepID, _ = correlation.StepID(ctx)
	if err != nil {
		u.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		u.Output = encode(out)
	}

	if recErr := o.sink.RecordUnit(ctx, u); recErr != nil {
		logging.FromContext(ctx).Warn(ctx, "failed to record unit of work",
			zap.String("unit", name),
			zap.Error(recErr))
	}
	return out, err
}
