// OpenTelemetry tracing for task and agent operations.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vinayprograms/taskmesh/errors"
)

// Tracer wraps an OpenTelemetry tracer with orchestration span helpers.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// FromProvider creates a tracer from tp.
func FromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Task Spans ---

// StartTaskSpan starts a span for a lifecycle operation on one task.
func (t *Tracer) StartTaskSpan(ctx context.Context, op, taskID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task."+op, trace.WithSpanKind(trace.SpanKindInternal))
	if taskID != "" {
		span.SetAttributes(attribute.String("task.id", taskID))
	}
	return ctx, span
}

// TaskAttributes tags a task span once the task is known.
func TaskAttributes(span trace.Span, taskType, status, priority string) {
	span.SetAttributes(
		attribute.String("task.type", taskType),
		attribute.String("task.status", status),
		attribute.String("task.priority", priority),
	)
}

// --- Agent Spans ---

// StartAgentSpan starts a span for a registry operation on one agent.
func (t *Tracer) StartAgentSpan(ctx context.Context, op, agentID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "agent."+op, trace.WithSpanKind(trace.SpanKindInternal))
	if agentID != "" {
		span.SetAttributes(attribute.String("agent.id", agentID))
	}
	return ctx, span
}

// --- Dispatch Spans ---

// StartDispatchSpan starts a span for handing a task to an agent over the
// message bus.
func (t *Tracer) StartDispatchSpan(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dispatch.send", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("agent.id", agentID),
	)
	return ctx, span
}

// StartResultSpan starts a span for consuming an agent's result.
func (t *Tracer) StartResultSpan(ctx context.Context, taskID, status string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dispatch.result", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("result.status", status),
	)
	return ctx, span
}

// End finishes span, recording err and its error code if any.
func End(span trace.Span, err error) {
	if err != nil {
		if code := errors.Code(err); code != "" {
			span.SetAttributes(attribute.String("error.code", string(code)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a map-based TextMapCarrier, carried in message headers.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
