package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "meshcall"

var tracer = otel.Tracer(defaultServiceName)

// Telemetry is the span of one unit of work of a participant: the startup sequence, one of its
// phases, a session or a negotiation round of a session. Spans created with `CreateChild` are
// nested under their parent.
type Telemetry struct {
	span  trace.Span
	ctx   context.Context //nolint:containedctx
	ended atomic.Bool
}

func NewTelemetry(ctx context.Context, name string, attributes ...attribute.KeyValue) *Telemetry {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attributes...))
	return &Telemetry{span: span, ctx: ctx}
}

func (t *Telemetry) CreateChild(name string, attributes ...attribute.KeyValue) *Telemetry {
	return NewTelemetry(t.ctx, name, attributes...)
}

func (t *Telemetry) AddEvent(text string, attributes ...attribute.KeyValue) {
	t.span.AddEvent(text, trace.WithAttributes(attributes...))
}

// Records an error that the unit of work recovered from.
func (t *Telemetry) AddError(err error) {
	if err != nil {
		t.span.RecordError(err)
	}
}

// Marks the whole unit of work as failed.
func (t *Telemetry) Fail(err error) {
	if err == nil {
		return
	}

	t.span.SetStatus(codes.Error, err.Error())
	t.span.RecordError(err)
}

// Ends the span. Only the first call counts, so that a round ended by a failure is not ended
// again when the session goes away.
func (t *Telemetry) End() {
	if t.ended.CompareAndSwap(false, true) {
		t.span.End()
	}
}

// Fails the span if `err` is set and ends it.
func (t *Telemetry) Finish(err error) {
	t.Fail(err)
	t.End()
}
