// Package observability implements span and metric emission: every tool handler's
// span wraps execution with required low-cardinality attributes
// (butler, tool_name, outcome, trigger_source, error_class,
// source_channel), backed by OpenTelemetry tracing and Prometheus
// metrics. High-cardinality identifiers never become metric dimensions.
package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/butler-fleet/butlers"

// SpanAttributes are the required low-cardinality attributes every tool
// handler span carries. RequestID, sender/thread identities, and
// message text are trace/log attributes only — callers set them directly
// on the span via trace.SpanFromContext, never through this struct or
// the Prometheus counters it feeds.
type SpanAttributes struct {
	Butler        string
	ToolName      string
	Outcome       string // "ok" | "error"
	TriggerSource string
	ErrorClass    string
	SourceChannel string
}

var (
	toolInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "butlers_tool_invocations_total",
		Help: "Total tool handler invocations by butler, tool, outcome, trigger source, and error class.",
	}, []string{"butler", "tool_name", "outcome", "trigger_source", "error_class"})

	toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "butlers_tool_duration_seconds",
		Help:    "Tool handler duration by butler, tool, and outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"butler", "tool_name", "outcome"})
)

// NewRegistry builds the Prometheus registry collecting butlers'
// metrics. Each butler process owns one.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(toolInvocations, toolDuration)
	return reg
}

// Span wraps fn in an OTEL span named "tool."+attrs.ToolName, recording
// the required low-cardinality attributes on both the span and the
// Prometheus counters, and setting span status from the returned error.
func Span(ctx context.Context, attrs SpanAttributes, fn func(ctx context.Context) error) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "tool."+attrs.ToolName, trace.WithAttributes(
		attribute.String("butler", attrs.Butler),
		attribute.String("tool_name", attrs.ToolName),
		attribute.String("trigger_source", attrs.TriggerSource),
		attribute.String("source_channel", attrs.SourceChannel),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	errorClass := ""
	if err != nil {
		outcome = "error"
		errorClass = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", outcome), attribute.String("error_class", errorClass))

	toolInvocations.WithLabelValues(attrs.Butler, attrs.ToolName, outcome, attrs.TriggerSource, errorClass).Inc()
	toolDuration.WithLabelValues(attrs.Butler, attrs.ToolName, outcome).Observe(time.Since(start).Seconds())

	return err
}

// classifier lets callers attach an error class without this package
// depending on pkg/envelope (which would create an import cycle with
// callers that import both).
type Classifier interface{ ErrorClass() string }

func classify(err error) string {
	if c, ok := err.(Classifier); ok {
		return c.ErrorClass()
	}
	return "internal_error"
}

// TraceContext renders the current span context as a W3C traceparent
// string for propagation in route/notify envelopes.
func TraceContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-%02x", sc.TraceID().String(), sc.SpanID().String(), byte(sc.TraceFlags()))
}
