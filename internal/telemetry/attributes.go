// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by pipeline and source spans.
const (
	HandleKey      = "pipeline.handle"
	FromStateKey   = "pipeline.from_state"
	TargetStateKey = "pipeline.target_state"
	StepsKey       = "pipeline.steps"

	SourceIDKey      = "source.id"
	SourceLocatorKey = "source.locator"

	BackendKey   = "backend.kind"
	StageKindKey = "stage.kind"

	ErrorTypeKey = "error.type"
)

// TransitionAttributes describes a state transition request.
func TransitionAttributes(handle int, from, target string, steps int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(HandleKey, handle),
		attribute.String(FromStateKey, from),
		attribute.String(TargetStateKey, target),
		attribute.Int(StepsKey, steps),
	}
}

// SourceAttributes describes a source operation.
func SourceAttributes(handle int, id, locator string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.Int(HandleKey, handle)}
	if id != "" {
		attrs = append(attrs, attribute.String(SourceIDKey, id))
	}
	if locator != "" {
		attrs = append(attrs, attribute.String(SourceLocatorKey, locator))
	}
	return attrs
}

// RecordError marks span failed with err; a nil err sets status OK.
func RecordError(span trace.Span, err error, errType string) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errType != "" {
		span.SetAttributes(attribute.String(ErrorTypeKey, errType))
	}
}
