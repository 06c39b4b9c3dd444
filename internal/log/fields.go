// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldStreamID  = "stream_id"
	FieldClientID  = "client_id"
	FieldResultID  = "result_id"

	// Process / pipeline fields
	FieldEvent      = "event"
	FieldComponent  = "component"
	FieldPipeline   = "pipeline"
	FieldStrategy   = "strategy"
	FieldCapability = "capability"

	// Distribution fields
	FieldTransport   = "transport"
	FieldDestination = "destination"
	FieldTopic       = "topic"
	FieldQuality     = "quality"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Measurement fields
	FieldLatencyMS = "latency_ms"
	FieldFPS       = "fps"
	FieldDropped   = "dropped"
)
