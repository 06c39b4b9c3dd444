// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package result defines the canonical analysis records exchanged between
// pipelines, the orchestrator and the distribution subsystem.
package result

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Capability is a closed tag describing what a pipeline produces or a
// request requires. Each capability occupies one bit so that capability
// sets are cheap to combine and compare.
type Capability uint16

const (
	FaceDetection Capability = 1 << iota
	Pose3DOFCapability
	Pose6DOFCapability
	EyeTracking
	GazeEstimation
	ExpressionAnalysis
	AgeEstimation
	GenderDetection
	Landmarks
	IrisTracking
	SpeechRecognition
	SpeechAnalysis
	AudioQuality
)

var capabilityNames = map[Capability]string{
	FaceDetection:      "face_detection",
	Pose3DOFCapability: "pose_3dof",
	Pose6DOFCapability: "pose_6dof",
	EyeTracking:        "eye_tracking",
	GazeEstimation:     "gaze_estimation",
	ExpressionAnalysis: "expression_analysis",
	AgeEstimation:      "age_estimation",
	GenderDetection:    "gender_detection",
	Landmarks:          "landmarks",
	IrisTracking:       "iris_tracking",
	SpeechRecognition:  "speech_recognition",
	SpeechAnalysis:     "speech_analysis",
	AudioQuality:       "audio_quality",
}

var capabilityValues = func() map[string]Capability {
	m := make(map[string]Capability, len(capabilityNames))
	for c, n := range capabilityNames {
		m[n] = c
	}
	return m
}()

func (c Capability) String() string {
	if n, ok := capabilityNames[c]; ok {
		return n
	}
	return fmt.Sprintf("capability(%d)", uint16(c))
}

// ParseCapability resolves a wire tag to its capability. Unknown tags are
// rejected at the input boundary rather than coerced.
func ParseCapability(s string) (Capability, error) {
	if c, ok := capabilityValues[strings.TrimSpace(s)]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("unknown capability %q", s)
}

// CapabilitySet is a bitmask of capabilities.
type CapabilitySet uint16

// NewCapabilitySet combines individual capabilities into a set.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= CapabilitySet(c)
	}
	return s
}

// ParseCapabilitySet resolves a list of wire tags. The empty list yields the
// empty set; any unknown tag fails the whole parse.
func ParseCapabilitySet(tags []string) (CapabilitySet, error) {
	var s CapabilitySet
	for _, t := range tags {
		c, err := ParseCapability(t)
		if err != nil {
			return 0, err
		}
		s |= CapabilitySet(c)
	}
	return s, nil
}

// Has reports whether the set contains the capability.
func (s CapabilitySet) Has(c Capability) bool { return s&CapabilitySet(c) != 0 }

// Covers reports whether every capability in req is present in s.
func (s CapabilitySet) Covers(req CapabilitySet) bool { return s&req == req }

// Intersect returns the capabilities present in both sets.
func (s CapabilitySet) Intersect(o CapabilitySet) CapabilitySet { return s & o }

// Count returns the number of capabilities in the set.
func (s CapabilitySet) Count() int {
	n := 0
	for v := uint16(s); v != 0; v &= v - 1 {
		n++
	}
	return n
}

// Names returns the sorted wire tags of the set.
func (s CapabilitySet) Names() []string {
	out := make([]string, 0, s.Count())
	for c, n := range capabilityNames {
		if s.Has(c) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// AllCapabilities returns every known capability tag, sorted.
func AllCapabilities() []string {
	out := make([]string, 0, len(capabilityNames))
	for _, n := range capabilityNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted list of tags.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes a list of tags, rejecting unknown ones.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	parsed, err := ParseCapabilitySet(tags)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
