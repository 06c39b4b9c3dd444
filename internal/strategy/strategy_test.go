// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelhil/synopticon/internal/pipeline"
	"github.com/michaelhil/synopticon/internal/result"
)

func mkPipeline(t *testing.T, name string, caps result.CapabilitySet, perf result.PerformanceProfile) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(pipeline.Descriptor{
		Name:         name,
		Version:      "1.0.0",
		Capabilities: caps,
		Performance:  perf,
		Process: func(context.Context, pipeline.Frame) (result.AnalysisResult, error) {
			return result.NewSuccess(name, 1, nil), nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background(), nil))
	return p
}

func perf(fps, latency int, cpu, mem, bat result.Impact, size float64) result.PerformanceProfile {
	return result.PerformanceProfile{FPS: fps, LatencyMS: latency, CPU: cpu, Memory: mem, Battery: bat, ModelSizeMB: size}
}

func names(pipes []*pipeline.Pipeline) []string {
	out := make([]string, len(pipes))
	for i, p := range pipes {
		out[i] = p.Name()
	}
	return out
}

func TestLookup(t *testing.T) {
	s, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, Balanced, s.Name())

	_, err = Lookup("chaotic")
	assert.Error(t, err)

	assert.Equal(t, []string{"accuracy_first", "balanced", "battery_optimized", "hybrid", "performance_first"}, Names())
}

func TestPerformanceFirst_Ordering(t *testing.T) {
	face := result.NewCapabilitySet(result.FaceDetection)
	fast := mkPipeline(t, "fast", face, perf(60, 10, result.ImpactHigh, result.ImpactLow, result.ImpactLow, 5))
	slow := mkPipeline(t, "slow", face, perf(15, 40, result.ImpactLow, result.ImpactLow, result.ImpactLow, 5))
	mid := mkPipeline(t, "mid", face, perf(30, 20, result.ImpactLow, result.ImpactLow, result.ImpactLow, 5))

	s, err := Lookup(PerformanceFirst)
	require.NoError(t, err)

	got := s.Order(Request{Required: face}, []Candidate{
		{Pipeline: slow}, {Pipeline: fast}, {Pipeline: mid},
	})
	assert.Equal(t, []string{"fast", "mid", "slow"}, names(got))
}

func TestOrdering_FiltersBreakerOpenAndCoverage(t *testing.T) {
	face := result.NewCapabilitySet(result.FaceDetection)
	gaze := result.NewCapabilitySet(result.FaceDetection, result.GazeEstimation)

	a := mkPipeline(t, "a", face, perf(30, 20, result.ImpactLow, result.ImpactLow, result.ImpactLow, 5))
	b := mkPipeline(t, "b", gaze, perf(30, 20, result.ImpactLow, result.ImpactLow, result.ImpactLow, 5))

	s, err := Lookup(PerformanceFirst)
	require.NoError(t, err)

	req := Request{Required: result.NewCapabilitySet(result.GazeEstimation)}
	got := s.Order(req, []Candidate{{Pipeline: a}, {Pipeline: b}})
	assert.Equal(t, []string{"b"}, names(got), "a lacks gaze_estimation")

	got = s.Order(req, []Candidate{{Pipeline: a}, {Pipeline: b, BreakerOpen: true}})
	assert.Empty(t, got, "open breaker excludes the only covering pipeline")
}

func TestBatteryOptimized_Ordering(t *testing.T) {
	face := result.NewCapabilitySet(result.FaceDetection)
	hungry := mkPipeline(t, "hungry", face, perf(60, 10, result.ImpactLow, result.ImpactLow, result.ImpactHigh, 5))
	frugal := mkPipeline(t, "frugal", face, perf(15, 50, result.ImpactLow, result.ImpactLow, result.ImpactLow, 5))

	s, err := Lookup(BatteryOptimized)
	require.NoError(t, err)

	got := s.Order(Request{Required: face}, []Candidate{{Pipeline: hungry}, {Pipeline: frugal}})
	assert.Equal(t, []string{"frugal", "hungry"}, names(got))
}

func TestAccuracyFirst_PrefersCoverageThenModelSize(t *testing.T) {
	rich := mkPipeline(t, "rich",
		result.NewCapabilitySet(result.FaceDetection, result.Landmarks, result.ExpressionAnalysis),
		perf(10, 80, result.ImpactHigh, result.ImpactHigh, result.ImpactHigh, 120))
	big := mkPipeline(t, "big",
		result.NewCapabilitySet(result.FaceDetection),
		perf(30, 20, result.ImpactLow, result.ImpactLow, result.ImpactLow, 300))
	small := mkPipeline(t, "small",
		result.NewCapabilitySet(result.FaceDetection),
		perf(30, 20, result.ImpactLow, result.ImpactLow, result.ImpactLow, 3))

	s, err := Lookup(AccuracyFirst)
	require.NoError(t, err)

	req := Request{Required: result.NewCapabilitySet(result.FaceDetection)}
	got := s.Order(req, []Candidate{{Pipeline: small}, {Pipeline: big}, {Pipeline: rich}})
	assert.Equal(t, []string{"rich", "big", "small"}, names(got))
}

func TestBalanced_CompositeScore(t *testing.T) {
	face := result.NewCapabilitySet(result.FaceDetection)
	// Dominates on both fps and latency with equal cpu: must rank first.
	strong := mkPipeline(t, "strong", face, perf(60, 10, result.ImpactLow, result.ImpactLow, result.ImpactLow, 5))
	weak := mkPipeline(t, "weak", face, perf(15, 40, result.ImpactLow, result.ImpactLow, result.ImpactLow, 5))

	s, err := Lookup(Balanced)
	require.NoError(t, err)

	got := s.Order(Request{Required: face}, []Candidate{{Pipeline: weak}, {Pipeline: strong}})
	assert.Equal(t, []string{"strong", "weak"}, names(got))
}

func TestHybrid_AppliesPerformanceFloor(t *testing.T) {
	face := result.NewCapabilitySet(result.FaceDetection)
	accurate := mkPipeline(t, "accurate",
		result.NewCapabilitySet(result.FaceDetection, result.Landmarks),
		perf(10, 90, result.ImpactHigh, result.ImpactHigh, result.ImpactHigh, 200))
	quick := mkPipeline(t, "quick", face, perf(30, 15, result.ImpactLow, result.ImpactLow, result.ImpactLow, 10))

	s, err := Lookup(Hybrid)
	require.NoError(t, err)

	req := Request{Required: face, Floor: result.PerformanceProfile{FPS: 25}}
	got := s.Order(req, []Candidate{{Pipeline: accurate}, {Pipeline: quick}})
	assert.Equal(t, []string{"quick"}, names(got), "floor excludes the slow pipeline")

	req.Floor = result.PerformanceProfile{}
	got = s.Order(req, []Candidate{{Pipeline: accurate}, {Pipeline: quick}})
	assert.Equal(t, []string{"accurate", "quick"}, names(got))
}

func TestOrdering_TiesResolveByName(t *testing.T) {
	face := result.NewCapabilitySet(result.FaceDetection)
	same := perf(30, 20, result.ImpactLow, result.ImpactLow, result.ImpactLow, 5)
	b := mkPipeline(t, "beta", face, same)
	a := mkPipeline(t, "alpha", face, same)

	for _, name := range Names() {
		s, err := Lookup(name)
		require.NoError(t, err)
		got := s.Order(Request{Required: face}, []Candidate{{Pipeline: b}, {Pipeline: a}})
		assert.Equal(t, []string{"alpha", "beta"}, names(got), "strategy %s", name)
	}
}
