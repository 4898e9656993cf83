// Package tracecontext injects and extracts W3C trace context headers
// (traceparent, tracestate) at every hop a Frame Event crosses, so spans
// started at ingest, routing, queue read, and handler execution all share
// one trace id. It uses go.opentelemetry.io/otel/trace for the
// TraceID/SpanID types and otel/propagation for the header codec rather
// than hand-rolling a parser for the traceparent format.
package tracecontext

import (
	"context"
	"crypto/rand"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceParentKey and TraceStateKey are the map keys a Frame Event's
// trace_context carries on the wire.
const (
	TraceParentKey = "traceparent"
	TraceStateKey  = "tracestate"
)

var propagator = propagation.TraceContext{}

// headerCarrier adapts a map[string]string to propagation.TextMapCarrier so
// the standard W3C codec can read and write it directly.
type headerCarrier map[string]string

func (h headerCarrier) Get(key string) string       { return h[key] }
func (h headerCarrier) Set(key, value string)       { h[key] = value }
func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// Extract decodes a Frame Event's trace_context map into a span context
// carried on the returned Go context. An empty or absent traceparent
// yields a context with no valid span, not an error; trace_context may be
// empty on the wire.
func Extract(ctx context.Context, carried map[string]string) context.Context {
	return propagator.Extract(ctx, headerCarrier(carried))
}

// Inject serializes the span context carried on ctx into a new
// trace_context map suitable for writing onto a Frame Event. Returns nil
// when ctx carries no valid span context, matching the "may be empty"
// contract.
func Inject(ctx context.Context) map[string]string {
	carrier := headerCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// NewChildSpanContext derives a new span context that shares the trace id
// of the parent carried on ctx, with a freshly generated span id. If ctx
// carries no valid span context, a new trace is started instead.
func NewChildSpanContext(ctx context.Context) (context.Context, trace.SpanContext) {
	parent := trace.SpanContextFromContext(ctx)

	traceID := parent.TraceID()
	if !parent.IsValid() {
		traceID = newTraceID()
	}

	child := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     newSpanID(),
		TraceFlags: trace.FlagsSampled,
		Remote:     false,
	})

	return trace.ContextWithSpanContext(ctx, child), child
}

// TraceIDFromCarried extracts just the trace id from a trace_context map,
// for log correlation, without standing up a full span context.
func TraceIDFromCarried(carried map[string]string) (string, bool) {
	ctx := Extract(context.Background(), carried)
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", false
	}
	return sc.TraceID().String(), true
}

func newTraceID() trace.TraceID {
	var id trace.TraceID
	_, _ = rand.Read(id[:])
	return id
}

func newSpanID() trace.SpanID {
	var id trace.SpanID
	_, _ = rand.Read(id[:])
	return id
}
