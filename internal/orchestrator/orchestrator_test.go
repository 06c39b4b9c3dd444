// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelhil/synopticon/internal/bus"
	"github.com/michaelhil/synopticon/internal/pipeline"
	"github.com/michaelhil/synopticon/internal/result"
)

var faceCap = result.NewCapabilitySet(result.FaceDetection)

func goodPerf() result.PerformanceProfile {
	return result.PerformanceProfile{
		FPS: 30, LatencyMS: 20,
		CPU: result.ImpactLow, Memory: result.ImpactLow, Battery: result.ImpactLow,
		ModelSizeMB: 5,
	}
}

func descriptor(name string, process pipeline.ProcessFunc) pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:         name,
		Version:      "1.0.0",
		Capabilities: faceCap,
		Performance:  goodPerf(),
		Process:      process,
	}
}

func oneFace(_ context.Context, _ pipeline.Frame) (result.AnalysisResult, error) {
	return result.NewSuccess("", 1, []result.Face{
		{BBox: result.BBox{X: 10, Y: 10, W: 50, H: 50}, Confidence: 0.9},
	}), nil
}

func newTestOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	return New(bus.NewMemoryBus(), opts)
}

func faceRequest() Request {
	return Request{Required: faceCap, Timeout: time.Second}
}

func TestProcess_HappyPath(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	require.NoError(t, o.Register(context.Background(), descriptor("alpha", oneFace)))

	res := o.Process(context.Background(), faceRequest())
	require.True(t, res.Success, "error: %v", res.Error)
	assert.Equal(t, "alpha", res.Source)
	assert.Equal(t, 0, res.FallbackDepth)
	require.Len(t, res.Faces, 1)
	assert.Equal(t, result.BBox{X: 10, Y: 10, W: 50, H: 50}, res.Faces[0].BBox)
}

func TestProcess_RejectsEmptyCapabilities(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	res := o.Process(context.Background(), Request{})
	require.NotNil(t, res.Error)
	assert.Equal(t, result.KindInputValidation, res.Error.Kind)
}

func TestProcess_UnknownStrategy(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	require.NoError(t, o.Register(context.Background(), descriptor("alpha", oneFace)))

	req := faceRequest()
	req.Strategy = "chaotic"
	res := o.Process(context.Background(), req)
	require.NotNil(t, res.Error)
	assert.Equal(t, result.KindInputValidation, res.Error.Kind)
}

func TestProcess_NoCandidates(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	res := o.Process(context.Background(), faceRequest())
	require.NotNil(t, res.Error)
	assert.Equal(t, result.KindModelUnavailable, res.Error.Kind)
}

func TestProcess_Fallback(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	require.NoError(t, o.Register(context.Background(), descriptor("alpha", func(context.Context, pipeline.Frame) (result.AnalysisResult, error) {
		return result.AnalysisResult{}, errors.New("always broken")
	})))
	require.NoError(t, o.Register(context.Background(), descriptor("beta", oneFace)))

	res := o.Process(context.Background(), faceRequest())
	require.True(t, res.Success)
	assert.Equal(t, "beta", res.Source)
	assert.Equal(t, 1, res.FallbackDepth)

	m := o.Metrics()
	assert.Equal(t, uint64(1), m["alpha"].ErrorCount)

	snap, ok := o.Breaker("alpha")
	require.True(t, ok)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestProcess_BreakerOpensAndSkips(t *testing.T) {
	o := newTestOrchestrator(t, Options{BreakerThreshold: 5})

	var alphaCalls atomic.Int64
	require.NoError(t, o.Register(context.Background(), descriptor("alpha", func(context.Context, pipeline.Frame) (result.AnalysisResult, error) {
		alphaCalls.Add(1)
		return result.AnalysisResult{}, errors.New("always broken")
	})))
	require.NoError(t, o.Register(context.Background(), descriptor("beta", oneFace)))

	// alpha sorts first (name tiebreak) and fails 5 times across 5 dispatches.
	for i := 0; i < 5; i++ {
		res := o.Process(context.Background(), faceRequest())
		require.True(t, res.Success)
		assert.Equal(t, "beta", res.Source)
	}
	require.Equal(t, int64(5), alphaCalls.Load())

	snap, ok := o.Breaker("alpha")
	require.True(t, ok)
	assert.Equal(t, "open", snap.Status)

	// 6th call skips alpha entirely.
	res := o.Process(context.Background(), faceRequest())
	require.True(t, res.Success)
	assert.Equal(t, 0, res.FallbackDepth, "alpha filtered out, beta is first")
	assert.Equal(t, int64(5), alphaCalls.Load(), "open breaker prevents invocation")
}

func TestProcess_HalfOpenProbeCloses(t *testing.T) {
	o := newTestOrchestrator(t, Options{BreakerThreshold: 1, BreakerCooldown: 100 * time.Millisecond})

	healthy := atomic.Bool{}
	require.NoError(t, o.Register(context.Background(), descriptor("alpha", func(ctx context.Context, f pipeline.Frame) (result.AnalysisResult, error) {
		if !healthy.Load() {
			return result.AnalysisResult{}, errors.New("warming up")
		}
		return oneFace(ctx, f)
	})))

	res := o.Process(context.Background(), faceRequest())
	require.NotNil(t, res.Error)

	snap, _ := o.Breaker("alpha")
	require.Equal(t, "open", snap.Status)

	time.Sleep(150 * time.Millisecond)
	healthy.Store(true)

	res = o.Process(context.Background(), faceRequest())
	require.True(t, res.Success)
	assert.Equal(t, "alpha", res.Source)

	snap, _ = o.Breaker("alpha")
	assert.Equal(t, "closed", snap.Status)
}

func TestProcess_AllFail(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	for _, name := range []string{"alpha", "beta"} {
		require.NoError(t, o.Register(context.Background(), descriptor(name, func(context.Context, pipeline.Frame) (result.AnalysisResult, error) {
			return result.AnalysisResult{}, errors.New("down")
		})))
	}

	res := o.Process(context.Background(), faceRequest())
	require.NotNil(t, res.Error)
	assert.Equal(t, result.KindDownstreamFailure, res.Error.Kind)
	require.NotNil(t, res.Error.Cause, "last pipeline error is nested")
	assert.Equal(t, result.KindUnknown, res.Error.Cause.Kind)
}

func TestProcess_RespectsMaxFallbacks(t *testing.T) {
	o := newTestOrchestrator(t, Options{MaxFallbacks: 2})

	var calls atomic.Int64
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, o.Register(context.Background(), descriptor(name, func(context.Context, pipeline.Frame) (result.AnalysisResult, error) {
			calls.Add(1)
			return result.AnalysisResult{}, errors.New("down")
		})))
	}

	res := o.Process(context.Background(), faceRequest())
	require.NotNil(t, res.Error)
	assert.Equal(t, int64(3), calls.Load(), "at most max_fallbacks+1 attempts per dispatch")
}

func TestProcess_Timeout(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	require.NoError(t, o.Register(context.Background(), descriptor("slow", func(ctx context.Context, _ pipeline.Frame) (result.AnalysisResult, error) {
		<-ctx.Done()
		return result.AnalysisResult{}, ctx.Err()
	})))

	req := faceRequest()
	req.Timeout = 50 * time.Millisecond
	res := o.Process(context.Background(), req)
	require.NotNil(t, res.Error)
	assert.Equal(t, result.KindProcessingTimeout, res.Error.Kind)

	snap, _ := o.Breaker("slow")
	assert.Equal(t, 1, snap.ConsecutiveFailures, "timeouts count toward the breaker")
}

func TestProcess_InputValidationDoesNotTouchBreaker(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	require.NoError(t, o.Register(context.Background(), descriptor("picky", func(context.Context, pipeline.Frame) (result.AnalysisResult, error) {
		return result.AnalysisResult{}, &result.ErrorRecord{
			Kind: result.KindInputValidation, Message: "frame too small", Timestamp: time.Now(),
		}
	})))
	require.NoError(t, o.Register(context.Background(), descriptor("zeta", oneFace)))

	res := o.Process(context.Background(), faceRequest())
	require.NotNil(t, res.Error)
	assert.Equal(t, result.KindInputValidation, res.Error.Kind, "caller fault is returned, not retried")

	snap, _ := o.Breaker("picky")
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestRegister_IdempotentAndReplace(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	require.NoError(t, o.Register(context.Background(), descriptor("alpha", oneFace)))
	require.NoError(t, o.Register(context.Background(), descriptor("alpha", oneFace)), "same name and version is a no-op")

	d2 := descriptor("alpha", oneFace)
	d2.Version = "2.0.0"
	require.NoError(t, o.Register(context.Background(), d2))

	statuses := o.Pipelines()
	require.Len(t, statuses, 1)
	assert.Equal(t, "2.0.0", statuses[0].Version)
}

func TestRegisterUnregisterRegister_RoundTrip(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	desc := descriptor("alpha", oneFace)

	require.NoError(t, o.Register(context.Background(), desc))
	before := o.Pipelines()[0]

	require.NoError(t, o.Unregister(context.Background(), "alpha"))
	assert.Empty(t, o.Pipelines())

	require.NoError(t, o.Register(context.Background(), desc))
	after := o.Pipelines()[0]

	assert.Equal(t, before.Name, after.Name)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Capabilities, after.Capabilities)
	assert.Equal(t, before.Performance, after.Performance)
	assert.Equal(t, before.Healthy, after.Healthy)
}

func TestHealth_Overall(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	assert.Equal(t, StatusUnhealthy, o.Health().Overall, "no pipelines registered")

	require.NoError(t, o.Register(context.Background(), descriptor("alpha", oneFace)))
	assert.Equal(t, StatusHealthy, o.Health().Overall)

	bad := descriptor("omega", oneFace)
	bad.Initialize = func(context.Context, map[string]any) error { return errors.New("no model") }
	require.NoError(t, o.Register(context.Background(), bad))

	h := o.Health()
	assert.Equal(t, StatusDegraded, h.Overall)
	require.Len(t, h.Pipelines, 2)
	assert.Equal(t, "alpha", h.Pipelines[0].Name)
	assert.Equal(t, "closed", h.Pipelines[0].Breaker.Status)
}

func TestProcess_NeverCallsNonCoveringPipeline(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	var audioCalls atomic.Int64
	audio := descriptor("audio", func(context.Context, pipeline.Frame) (result.AnalysisResult, error) {
		audioCalls.Add(1)
		return result.NewSuccess("audio", 1, nil), nil
	})
	audio.Capabilities = result.NewCapabilitySet(result.SpeechRecognition)
	require.NoError(t, o.Register(context.Background(), audio))
	require.NoError(t, o.Register(context.Background(), descriptor("face", oneFace)))

	res := o.Process(context.Background(), faceRequest())
	require.True(t, res.Success)
	assert.Equal(t, "face", res.Source)
	assert.Zero(t, audioCalls.Load())
}

func TestBreakerRejection_FailsFastWithoutAttempt(t *testing.T) {
	o := newTestOrchestrator(t, Options{BreakerThreshold: 1, BreakerCooldown: time.Hour})

	var calls atomic.Int64
	require.NoError(t, o.Register(context.Background(), descriptor("solo", func(context.Context, pipeline.Frame) (result.AnalysisResult, error) {
		calls.Add(1)
		return result.AnalysisResult{}, errors.New("down")
	})))

	res := o.Process(context.Background(), faceRequest())
	require.NotNil(t, res.Error)
	require.Equal(t, int64(1), calls.Load())

	// Breaker now open; the strategy filters the pipeline out entirely.
	res = o.Process(context.Background(), faceRequest())
	require.NotNil(t, res.Error)
	assert.Equal(t, result.KindModelUnavailable, res.Error.Kind)
	assert.Equal(t, int64(1), calls.Load())

	// The open state never leaks to callers as circuit_open.
	assert.NotEqual(t, result.KindCircuitOpen, res.Error.Kind)
}

func TestUnregister_DrainsInFlight(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	release := make(chan struct{})
	require.NoError(t, o.Register(context.Background(), descriptor("slow", func(ctx context.Context, _ pipeline.Frame) (result.AnalysisResult, error) {
		<-release
		return result.NewSuccess("slow", 1, nil), nil
	})))

	done := make(chan result.AnalysisResult, 1)
	go func() { done <- o.Process(context.Background(), faceRequest()) }()

	time.Sleep(50 * time.Millisecond)
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, o.Unregister(context.Background(), "slow"))

	select {
	case res := <-done:
		assert.True(t, res.Success, "in-flight call completed before forced cleanup")
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never returned")
	}
}
