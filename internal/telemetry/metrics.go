package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	maxLabelPairs  = 32
	maxLabelKeyLen = 64
	maxLabelValLen = 256
)

// Labels is a bounded label set, mirroring the teacher's cardinality-bomb
// guard (MaxLabelPairs/MaxLabelKeyLen/MaxLabelValLen).
type Labels map[string]string

func (l Labels) attrs() []any {
	if len(l) == 0 {
		return nil
	}
	out := make([]any, 0, len(l)*2)
	n := 0
	for k, v := range l {
		if n >= maxLabelPairs {
			break
		}
		if len(k) > maxLabelKeyLen {
			k = k[:maxLabelKeyLen]
		}
		if len(v) > maxLabelValLen {
			v = v[:maxLabelValLen]
		}
		out = append(out, k, v)
		n++
	}
	return out
}

var meter = otel.Meter("github.com/openmates/synccore")

// Meters holds the process-wide instrument set used across components.
type Meters struct {
	CallDuration metric.Float64Histogram
	CallErrors   metric.Int64Counter
	QueueDepth   metric.Int64UpDownCounter
}

// NewMeters constructs the shared instrument set. Errors constructing an
// instrument are swallowed into no-op instruments so telemetry never
// blocks startup.
func NewMeters() *Meters {
	dur, _ := meter.Float64Histogram("synccore.call.duration_seconds",
		metric.WithDescription("component call duration in seconds"))
	errs, _ := meter.Int64Counter("synccore.call.errors_total",
		metric.WithDescription("component call error count"))
	depth, _ := meter.Int64UpDownCounter("synccore.queue.depth",
		metric.WithDescription("PersistenceWorker queue depth"))
	return &Meters{CallDuration: dur, CallErrors: errs, QueueDepth: depth}
}

// ObserveCall records a component call's duration and, on error, a
// failure count.
func (m *Meters) ObserveCall(ctx context.Context, component, op string, seconds float64, err error) {
	if m == nil {
		return
	}
	attrs := Labels{"component": component, "op": op}
	if m.CallDuration != nil {
		m.CallDuration.Record(ctx, seconds, metric.WithAttributes(toAttrs(attrs)...))
	}
	if err != nil && m.CallErrors != nil {
		m.CallErrors.Add(ctx, 1, metric.WithAttributes(toAttrs(attrs)...))
	}
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func toAttrs(l Labels) []attribute.KeyValue {
	raw := l.attrs()
	out := make([]attribute.KeyValue, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		out = append(out, attribute.String(raw[i].(string), raw[i+1].(string)))
	}
	return out
}
