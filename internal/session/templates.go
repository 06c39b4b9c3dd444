// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package session

import (
	"fmt"
	"sort"

	"github.com/michaelhil/synopticon/internal/distribute"
)

// Template is a named StreamSpec preset. Fields the caller supplies in the
// create request override the preset.
type Template struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Spec        Spec   `json:"spec"`
}

var templates = map[string]Template{
	"gaze_udp": {
		Name:        "gaze_udp",
		Description: "Low-latency gaze vectors as binary datagrams",
		Spec: Spec{
			Type:   distribute.TransportUDP,
			Source: "gaze_estimation",
		},
	},
	"faces_websocket": {
		Name:        "faces_websocket",
		Description: "Face detections as JSON over a WebSocket connection",
		Spec: Spec{
			Type:   distribute.TransportWebSocket,
			Source: "face_detection",
			Filter: &FilterSpec{MinConfidence: 0.5},
		},
	},
	"expressions_mqtt": {
		Name:        "expressions_mqtt",
		Description: "Expression analysis published to an MQTT broker",
		Spec: Spec{
			Type:   distribute.TransportMQTT,
			Source: "expression_analysis",
		},
	},
	"speech_http": {
		Name:        "speech_http",
		Description: "Speech transcripts batched to an HTTP ingest endpoint",
		Spec: Spec{
			Type:   distribute.TransportHTTP,
			Source: "speech_recognition",
		},
	},
	"faces_sse": {
		Name:        "faces_sse",
		Description: "Face detections pushed to attached SSE clients",
		Spec: Spec{
			Type:   distribute.TransportSSE,
			Source: "face_detection",
		},
	},
}

// Templates enumerates the presets, sorted by name.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResolveTemplate merges a creation spec over its named preset. The
// caller's non-zero fields win.
func ResolveTemplate(spec Spec) (Spec, error) {
	t, ok := templates[spec.Template]
	if !ok {
		return Spec{}, fmt.Errorf("unknown stream template %q", spec.Template)
	}

	resolved := t.Spec
	if spec.Type != "" {
		resolved.Type = spec.Type
	}
	if spec.Source != "" {
		resolved.Source = spec.Source
	}
	if spec.Destination != (distribute.Destination{}) {
		resolved.Destination = spec.Destination
	}
	if spec.Filter != nil {
		resolved.Filter = spec.Filter
	}
	resolved.ClientID = spec.ClientID
	resolved.Template = ""
	return resolved, nil
}
