// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/michaelhil/synopticon/internal/result"
)

// Envelope is the uniform response shape of the control API.
type Envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     any       `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	env.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{Success: false, Error: message})
}

// statusForKind maps the error taxonomy onto HTTP statuses.
func statusForKind(kind result.ErrorKind) int {
	switch kind {
	case result.KindInputValidation:
		return http.StatusBadRequest
	case result.KindInitialization, result.KindModelUnavailable:
		return http.StatusServiceUnavailable
	case result.KindResourceExhausted:
		return http.StatusTooManyRequests
	case result.KindDownstreamFailure:
		return http.StatusBadGateway
	case result.KindProcessingTimeout, result.KindCircuitOpen:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// writeResult wraps an analysis result in the envelope: domain failures keep
// the result in the body, with the status from the taxonomy table.
func writeResult(w http.ResponseWriter, res result.AnalysisResult) {
	if res.Success {
		writeJSON(w, http.StatusOK, Envelope{Success: true, Data: res})
		return
	}
	writeJSON(w, statusForKind(res.Error.Kind), Envelope{Success: false, Data: res, Error: res.Error})
}
