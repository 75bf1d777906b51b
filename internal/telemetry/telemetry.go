// Package telemetry records product events and captured errors as
// OpenTelemetry metrics and span events.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"nexus-orchestrator/backend/internal/logging"
)

// InstrumentationName names the meter used by this package.
const InstrumentationName = "nexus-orchestrator/backend/internal/telemetry"

// Tracker counts tracking events per event name and attaches them to the
// active span.
type Tracker struct {
	events metric.Int64Counter
	log    *logging.Logger
}

// NewTracker creates a Tracker. A nil meter uses the global meter provider.
func NewTracker(meter metric.Meter, log *logging.Logger) (*Tracker, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(InstrumentationName)
	}
	if log == nil {
		log = logging.Nop()
	}
	events, err := meter.Int64Counter("orchestrator.events",
		metric.WithDescription("Tracking events emitted by the orchestrator"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create event counter: %w", err)
	}
	return &Tracker{events: events, log: log}, nil
}

// Track records event for accountID. props are logged and added to the span
// event, they are not used as metric attributes.
func (t *Tracker) Track(ctx context.Context, accountID, event string, props map[string]any) {
	t.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))

	attrs := append([]attribute.KeyValue{attribute.String("account", accountID)}, propAttributes(props)...)
	trace.SpanFromContext(ctx).AddEvent(event, trace.WithAttributes(attrs...))

	kv := []any{"event", event, "account", accountID}
	for k, v := range props {
		kv = append(kv, k, v)
	}
	t.log.Debug("track", kv...)
}

// ErrorReporter counts and logs errors that escape a workflow run and marks
// the active span as failed.
type ErrorReporter struct {
	errors metric.Int64Counter
	log    *logging.Logger
}

// NewErrorReporter creates an ErrorReporter. A nil meter uses the global
// meter provider.
func NewErrorReporter(meter metric.Meter, log *logging.Logger) (*ErrorReporter, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(InstrumentationName)
	}
	if log == nil {
		log = logging.Nop()
	}
	errs, err := meter.Int64Counter("orchestrator.errors",
		metric.WithDescription("Errors captured by the orchestrator"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}
	return &ErrorReporter{errors: errs, log: log}, nil
}

func (r *ErrorReporter) CaptureException(ctx context.Context, err error) {
	if err == nil {
		return
	}
	r.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("error.type", fmt.Sprintf("%T", err))))
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.log.Error("captured exception", "error", err)
}

func propAttributes(props map[string]any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(props))
	for k, v := range props {
		switch v := v.(type) {
		case nil:
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		case []string:
			attrs = append(attrs, attribute.StringSlice(k, v))
		default:
			b, err := json.Marshal(v)
			if err != nil {
				b = []byte(fmt.Sprint(v))
			}
			attrs = append(attrs, attribute.String(k, string(b)))
		}
	}
	return attrs
}
