package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by the improvement core.
const TracerName = "github.com/clipscommerce/improvement"

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	CollectorEndpoint    string
	SamplingRate         float64 // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns production defaults
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "0.3.0",
		Environment:          "production",
		CollectorEndpoint:    "localhost:4317",
		SamplingRate:         1.0,
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer installs a global tracer provider exporting over OTLP/gRPC.
// Spans started before InitTracer (or when it is never called) go to the
// no-op provider.
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("improvement")
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown flushes and stops the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan starts a span on the improvement tracer with attrs attached.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records an error on a span with optional message
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
const (
	// Orchestration
	AttrCycle      = attribute.Key("orchestrator.cycle")
	AttrAgentCount = attribute.Key("orchestrator.agents")
	AttrAlertCount = attribute.Key("orchestrator.alerts")

	// Agents
	AttrAgentID   = attribute.Key("agent.id")
	AttrAgentType = attribute.Key("agent.type")
	AttrTaskType  = attribute.Key("task.type")
	AttrPriority  = attribute.Key("task.priority")

	// Experiments
	AttrExperimentID = attribute.Key("experiment.id")
	AttrVariantID    = attribute.Key("experiment.variant_id")
	AttrAnalysis     = attribute.Key("experiment.analysis")

	// Training
	AttrSessionID   = attribute.Key("training.session_id")
	AttrUserID      = attribute.Key("user.id")
	AttrSampleCount = attribute.Key("training.samples")
	AttrAccuracy    = attribute.Key("training.accuracy")
)

// Helper functions to create common attributes

func CycleAttributes(cycle int64, agents, alerts int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCycle.Int64(cycle),
		AttrAgentCount.Int(agents),
		AttrAlertCount.Int(alerts),
	}
}

func TaskAttributes(agentID, agentType, taskType string, priority int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrAgentType.String(agentType),
		AttrTaskType.String(taskType),
		AttrPriority.Int(priority),
	}
}

func ExperimentAttributes(experimentID, variantID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrExperimentID.String(experimentID),
	}
	if variantID != "" {
		attrs = append(attrs, AttrVariantID.String(variantID))
	}
	return attrs
}

func TrainingAttributes(sessionID, userID string, samples int, accuracy float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSessionID.String(sessionID),
		AttrUserID.String(userID),
		AttrSampleCount.Int(samples),
		AttrAccuracy.Float64(accuracy),
	}
}
