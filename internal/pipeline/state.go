// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"time"

	"github.com/michaelhil/synopticon/internal/result"
)

// Snapshot is a full point-in-time copy of the per-instance state.
type Snapshot struct {
	Initialized     bool      `json:"initialized"`
	Healthy         bool      `json:"healthy"`
	FramesProcessed uint64    `json:"frames_processed"`
	SuccessCount    uint64    `json:"success_count"`
	ErrorCount      uint64    `json:"error_count"`
	LastLatencyMS   float64   `json:"last_latency_ms"`
	EWMALatencyMS   float64   `json:"ewma_latency_ms"`
	CurrentFPS      float64   `json:"current_fps"`
	LastFrameTS     time.Time `json:"last_frame_ts"`
}

// Status is the condensed view served by get_status.
type Status struct {
	Name          string                    `json:"name"`
	Version       string                    `json:"version"`
	Initialized   bool                      `json:"initialized"`
	Healthy       bool                      `json:"healthy"`
	Capabilities  result.CapabilitySet      `json:"capabilities"`
	Performance   result.PerformanceProfile `json:"performance"`
	LastLatencyMS float64                   `json:"last_latency_ms"`
	FPS           float64                   `json:"fps"`
}

// Metrics returns the full state snapshot.
func (p *Pipeline) Metrics() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Snapshot{
		Initialized:     p.initialized,
		Healthy:         p.healthyLocked(),
		FramesProcessed: p.framesProcessed,
		SuccessCount:    p.successCount,
		ErrorCount:      p.errorCount,
		LastLatencyMS:   p.lastLatencyMS,
		EWMALatencyMS:   p.ewmaLatencyMS,
		CurrentFPS:      p.currentFPS,
		LastFrameTS:     p.lastFrameTS,
	}
}

// Status returns the condensed status view.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Status{
		Name:          p.desc.Name,
		Version:       p.desc.Version,
		Initialized:   p.initialized,
		Healthy:       p.healthyLocked(),
		Capabilities:  p.desc.Capabilities,
		Performance:   p.desc.Performance,
		LastLatencyMS: p.lastLatencyMS,
		FPS:           p.currentFPS,
	}
}
