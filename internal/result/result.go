// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package result

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrorKind classifies an analysis failure. The set is closed; anything a
// pipeline raises that does not map onto a kind is wrapped as KindUnknown.
type ErrorKind string

const (
	KindInitialization    ErrorKind = "initialization"
	KindInputValidation   ErrorKind = "input_validation"
	KindProcessingTimeout ErrorKind = "processing_timeout"
	KindModelUnavailable  ErrorKind = "model_unavailable"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindDownstreamFailure ErrorKind = "downstream_failure"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindUnknown           ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on a later
// attempt against a different or recovered pipeline.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindProcessingTimeout, KindModelUnavailable, KindResourceExhausted, KindCircuitOpen, KindDownstreamFailure:
		return true
	default:
		return false
	}
}

// ErrorRecord carries a classified failure through results and events.
type ErrorRecord struct {
	Kind      ErrorKind    `json:"kind"`
	Message   string       `json:"message"`
	Pipeline  string       `json:"pipeline,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Retryable bool         `json:"retryable"`
	Cause     *ErrorRecord `json:"cause,omitempty"`
}

func (e *ErrorRecord) Error() string {
	if e.Pipeline != "" {
		return fmt.Sprintf("%s: %s (pipeline %s)", e.Kind, e.Message, e.Pipeline)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Point is a 2D landmark coordinate in pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBox is an axis-aligned face bounding box in pixel space.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Pose3DOF is a rotation-only head pose estimate in degrees.
type Pose3DOF struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Pose6DOF adds translation in millimeters relative to the camera.
type Pose6DOF struct {
	Pose3DOF
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// EyeState carries per-eye openness and an optional gaze vector.
type EyeState struct {
	LeftOpenness  float64  `json:"left_openness"`
	RightOpenness float64  `json:"right_openness"`
	GazeX         *float64 `json:"gaze_x,omitempty"`
	GazeY         *float64 `json:"gaze_y,omitempty"`
}

// Expression is a labelled facial expression with confidence.
type Expression struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// AgeEstimate is a point estimate with a plausible range.
type AgeEstimate struct {
	Years float64 `json:"years"`
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
}

// GenderEstimate is a labelled estimate with confidence.
type GenderEstimate struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Face is one detected face. Absent optional fields mean the producing
// pipeline lacks the corresponding capability.
type Face struct {
	BBox       BBox            `json:"bbox"`
	Confidence float64         `json:"confidence"`
	Landmarks  []Point         `json:"landmarks,omitempty"`
	Pose3DOF   *Pose3DOF       `json:"pose_3dof,omitempty"`
	Pose6DOF   *Pose6DOF       `json:"pose_6dof,omitempty"`
	EyeState   *EyeState       `json:"eye_state,omitempty"`
	Expression *Expression     `json:"expression,omitempty"`
	Age        *AgeEstimate    `json:"age,omitempty"`
	Gender     *GenderEstimate `json:"gender,omitempty"`
}

// AudioResult is the audio-side analysis payload.
type AudioResult struct {
	Transcript string  `json:"transcript,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
	SNRdB      float64 `json:"snr_db,omitempty"`
}

// AnalysisResult is the canonical record produced by one dispatch. Exactly
// one of Success/Error holds; constructed results are treated as immutable.
type AnalysisResult struct {
	ID            string         `json:"id"`
	Source        string         `json:"source"`
	Timestamp     time.Time      `json:"timestamp"`
	Success       bool           `json:"success"`
	ProcessingMS  float64        `json:"processing_time_ms,omitempty"`
	FallbackDepth int            `json:"fallback_depth"`
	Faces         []Face         `json:"faces,omitempty"`
	Audio         *AudioResult   `json:"audio,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         *ErrorRecord   `json:"error,omitempty"`
}

// NewSuccess builds a success record. The source must be a pipeline name;
// processing time must be non-negative.
func NewSuccess(source string, processingMS float64, faces []Face) AnalysisResult {
	if processingMS < 0 {
		processingMS = 0
	}
	return AnalysisResult{
		ID:           uuid.NewString(),
		Source:       source,
		Timestamp:    time.Now().UTC(),
		Success:      true,
		ProcessingMS: processingMS,
		Faces:        faces,
	}
}

// NewFailure builds a failure record for the given kind.
func NewFailure(kind ErrorKind, message, pipeline string) AnalysisResult {
	return AnalysisResult{
		ID:        uuid.NewString(),
		Source:    pipeline,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error: &ErrorRecord{
			Kind:      kind,
			Message:   message,
			Pipeline:  pipeline,
			Timestamp: time.Now().UTC(),
			Retryable: kind.Retryable(),
		},
	}
}

// WithFallbackDepth returns a copy tagged with how many pipelines were tried
// before the producing one.
func (r AnalysisResult) WithFallbackDepth(depth int) AnalysisResult {
	r.FallbackDepth = depth
	return r
}

// Validate enforces the record invariants: exactly one of success/error, a
// non-empty source on success and non-negative timestamps.
func (r AnalysisResult) Validate() error {
	if r.Success == (r.Error != nil) {
		return fmt.Errorf("result %s: exactly one of success and error must hold", r.ID)
	}
	if r.Success && r.Source == "" {
		return fmt.Errorf("result %s: success without source pipeline", r.ID)
	}
	if r.Timestamp.Before(time.Unix(0, 0)) {
		return fmt.Errorf("result %s: negative timestamp", r.ID)
	}
	return nil
}
