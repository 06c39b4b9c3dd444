// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics defines the prometheus instrumentation for the core
// runtime. Each file covers one concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineProcessDuration tracks wall-clock latency of pipeline process calls.
	PipelineProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synopticon_pipeline_process_duration_seconds",
		Help:    "Wall-clock duration of pipeline process calls by outcome",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"pipeline", "outcome"})

	// PipelineFrames counts processed frames by outcome.
	PipelineFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synopticon_pipeline_frames_total",
		Help: "Total frames processed per pipeline by outcome",
	}, []string{"pipeline", "outcome"})

	// PipelineHealthy exposes the derived health flag per pipeline.
	PipelineHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "synopticon_pipeline_healthy",
		Help: "Pipeline health flag (1 healthy, 0 unhealthy)",
	}, []string{"pipeline"})

	// DispatchFallbackDepth records how many pipelines were tried before success.
	DispatchFallbackDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "synopticon_dispatch_fallback_depth",
		Help:    "Fallback depth of successful dispatches",
		Buckets: []float64{0, 1, 2, 3},
	})

	// DispatchTotal counts orchestrator dispatches by outcome.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synopticon_dispatch_total",
		Help: "Total orchestrator dispatches by outcome",
	}, []string{"outcome"})
)

// RecordProcess records one pipeline process call.
func RecordProcess(pipeline string, seconds float64, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	PipelineProcessDuration.WithLabelValues(pipeline, outcome).Observe(seconds)
	PipelineFrames.WithLabelValues(pipeline, outcome).Inc()
}

// SetPipelineHealthy publishes the derived health flag.
func SetPipelineHealthy(pipeline string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	PipelineHealthy.WithLabelValues(pipeline).Set(v)
}
