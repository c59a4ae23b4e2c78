package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("test-service")

	if config.ServiceName != "test-service" {
		t.Errorf("Expected service name 'test-service', got '%s'", config.ServiceName)
	}

	if config.ServiceVersion == "" {
		t.Error("Service version should not be empty")
	}

	if config.CollectorEndpoint == "" {
		t.Error("Collector endpoint should not be empty")
	}

	if config.SamplingRate < 0.0 || config.SamplingRate > 1.0 {
		t.Errorf("Sampling rate out of bounds: %.2f", config.SamplingRate)
	}
}

func TestCycleAttributes(t *testing.T) {
	attrs := CycleAttributes(42, 4, 1)

	if len(attrs) != 3 {
		t.Errorf("Expected 3 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != AttrCycle || attrs[0].Value.AsInt64() != 42 {
		t.Errorf("Unexpected cycle attribute %v", attrs[0])
	}
}

func TestTaskAttributes(t *testing.T) {
	attrs := TaskAttributes("ab-1", "ab_testing", "analyze_experiment", 7)

	found := false
	for _, attr := range attrs {
		if attr.Key == AttrTaskType && attr.Value.AsString() == "analyze_experiment" {
			found = true
			break
		}
	}
	if !found {
		t.Error("task type attribute not found")
	}
}

func TestExperimentAttributes(t *testing.T) {
	// With variant
	attrs := ExperimentAttributes("exp-1", "tone_casual")
	if len(attrs) != 2 {
		t.Errorf("Expected 2 attributes with variant, got %d", len(attrs))
	}

	// Without variant
	attrs = ExperimentAttributes("exp-1", "")
	if len(attrs) != 1 {
		t.Errorf("Expected 1 attribute without variant, got %d", len(attrs))
	}
}

func TestTrainingAttributes(t *testing.T) {
	attrs := TrainingAttributes("session-1", "user-1", 500, 0.9)

	if len(attrs) != 4 {
		t.Errorf("Expected 4 attributes, got %d", len(attrs))
	}
}

func TestStartSpan_RecordsToProvider(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := StartSpan(context.Background(), "orchestrator.cycle",
		attribute.String("test.key", "test.value"),
	)
	RecordError(span, errors.New("agent unreachable"), "poll failed")
	AddEvent(span, "decision.computed", attribute.Int("tasks", 3))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("Expected 1 ended span, got %d", len(ended))
	}
	if ended[0].Name() != "orchestrator.cycle" {
		t.Errorf("Unexpected span name %q", ended[0].Name())
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("Expected error status, got %v", ended[0].Status().Code)
	}
	if len(ended[0].Events()) != 2 {
		t.Errorf("Expected error and decision events, got %d", len(ended[0].Events()))
	}
}

func TestRecordError_Nil(t *testing.T) {
	_, span := StartSpan(context.Background(), "test-span")

	// Should not panic
	RecordError(span, nil, "")
	RecordError(nil, errors.New("x"), "")
	AddEvent(nil, "ignored")

	span.End()
}
