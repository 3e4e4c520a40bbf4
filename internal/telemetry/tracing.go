package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer name shared by every component's spans (KV calls, MetadataStore
// calls, HotCache calls — spec §5 "every ... call may suspend").
const tracerName = "github.com/openmates/synccore"

var tracer = otel.Tracer(tracerName)

// StartSpan opens a span for a component call and returns the derived
// context plus an end function. Callers defer the end function.
func StartSpan(ctx context.Context, component, op string) (context.Context, func(err error)) {
	ctx, span := tracer.Start(ctx, component+"."+op)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("error", true))
		}
		span.End()
	}
}

// SpanFromContext returns the current span's trace id (hex), or "" if
// there is no active span — used to enrich log lines.
func SpanFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
