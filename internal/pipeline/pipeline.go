// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package pipeline provides the uniform lifecycle wrapper around an
// analysis module.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/metrics"
	"github.com/michaelhil/synopticon/internal/result"
)

// Frame is one unit of input to a pipeline: a media frame, or a command for
// producer pipelines (Action set, Data empty).
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    string
	Timestamp time.Time
	Action    string
	Params    map[string]any
}

// ProcessFunc is the analysis function supplied by a module. Returning an
// error or panicking is converted into a Failure result by the wrapper.
type ProcessFunc func(ctx context.Context, frame Frame) (result.AnalysisResult, error)

// InitFunc prepares module resources. Optional.
type InitFunc func(ctx context.Context, cfg map[string]any) error

// CleanupFunc releases module resources. Optional.
type CleanupFunc func(ctx context.Context) error

// Descriptor declares a pipeline. Descriptors are immutable after
// registration.
type Descriptor struct {
	Name         string
	Version      string
	Capabilities result.CapabilitySet
	Performance  result.PerformanceProfile
	Reentrant    bool

	Process    ProcessFunc
	Initialize InitFunc
	Cleanup    CleanupFunc
}

// Validate checks a descriptor before registration.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("descriptor name must not be empty")
	}
	if d.Version == "" {
		return errors.New("descriptor version must not be empty")
	}
	if d.Capabilities == 0 {
		return fmt.Errorf("pipeline %s declares no capabilities", d.Name)
	}
	if d.Process == nil {
		return fmt.Errorf("pipeline %s has no process function", d.Name)
	}
	if err := d.Performance.Validate(); err != nil {
		return fmt.Errorf("pipeline %s: %w", d.Name, err)
	}
	return nil
}

// ewmaAlpha is the smoothing factor for latency and fps tracking.
const ewmaAlpha = 0.2

// Pipeline wraps a descriptor with lifecycle and performance-tracking state.
// State mutation is single-writer behind the mutex.
type Pipeline struct {
	desc Descriptor

	// procMu serializes Process for non-reentrant pipelines.
	procMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	failedInit  bool
	cleaned     bool

	framesProcessed uint64
	successCount    uint64
	errorCount      uint64
	lastLatencyMS   float64
	ewmaLatencyMS   float64
	currentFPS      float64
	lastFrameTS     time.Time
}

// New wraps a validated descriptor.
func New(desc Descriptor) (*Pipeline, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{desc: desc}, nil
}

// Descriptor returns the immutable declaration.
func (p *Pipeline) Descriptor() Descriptor { return p.desc }

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.desc.Name }

// Initialize prepares the pipeline. Re-initialization of an initialized
// pipeline is a no-op; a failed initialization leaves the pipeline in a
// state only Cleanup can recover from.
func (p *Pipeline) Initialize(ctx context.Context, cfg map[string]any) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	if p.failedInit {
		p.mu.Unlock()
		return &result.ErrorRecord{
			Kind:      result.KindInitialization,
			Message:   "previous initialization failed; cleanup required before retry",
			Pipeline:  p.desc.Name,
			Timestamp: time.Now().UTC(),
		}
	}
	p.mu.Unlock()

	if p.desc.Initialize != nil {
		if err := p.desc.Initialize(ctx, cfg); err != nil {
			p.mu.Lock()
			p.failedInit = true
			p.mu.Unlock()
			metrics.SetPipelineHealthy(p.desc.Name, false)
			return &result.ErrorRecord{
				Kind:      result.KindInitialization,
				Message:   err.Error(),
				Pipeline:  p.desc.Name,
				Timestamp: time.Now().UTC(),
			}
		}
	}

	p.mu.Lock()
	p.initialized = true
	p.cleaned = false
	p.mu.Unlock()
	metrics.SetPipelineHealthy(p.desc.Name, true)

	pipelineLogger := log.WithComponent("pipeline")
	pipelineLogger.Info().
		Str(log.FieldPipeline, p.desc.Name).
		Str("version", p.desc.Version).
		Msg("pipeline initialized")
	return nil
}

// Process runs one frame through the module, converting errors and panics
// into Failure results and updating performance state.
func (p *Pipeline) Process(ctx context.Context, frame Frame) result.AnalysisResult {
	p.mu.Lock()
	ready := p.initialized
	p.mu.Unlock()
	if !ready {
		// Not an analysis failure: counters stay untouched.
		return result.NewFailure(result.KindInitialization, "pipeline not initialized", p.desc.Name)
	}

	if !p.desc.Reentrant {
		p.procMu.Lock()
		defer p.procMu.Unlock()
	}

	start := time.Now()
	res := p.invoke(ctx, frame)
	elapsed := time.Since(start)

	p.record(res, elapsed)
	metrics.RecordProcess(p.desc.Name, elapsed.Seconds(), res.Success)
	return res
}

// invoke calls the user process function with panic capture.
func (p *Pipeline) invoke(ctx context.Context, frame Frame) (res result.AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			res = result.NewFailure(result.KindUnknown, fmt.Sprintf("panic: %v", r), p.desc.Name)
		}
	}()

	out, err := p.desc.Process(ctx, frame)
	if err != nil {
		kind := result.KindUnknown
		var rec *result.ErrorRecord
		switch {
		case errors.As(err, &rec):
			kind = rec.Kind
		case errors.Is(err, context.DeadlineExceeded):
			kind = result.KindProcessingTimeout
		}
		return result.NewFailure(kind, err.Error(), p.desc.Name)
	}
	if out.Source == "" {
		out.Source = p.desc.Name
	}
	return out
}

func (p *Pipeline) record(res result.AnalysisResult, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	latencyMS := float64(elapsed) / float64(time.Millisecond)

	p.framesProcessed++
	if res.Success {
		p.successCount++
	} else {
		p.errorCount++
	}

	p.lastLatencyMS = latencyMS
	if p.ewmaLatencyMS == 0 {
		p.ewmaLatencyMS = latencyMS
	} else {
		p.ewmaLatencyMS = ewmaAlpha*latencyMS + (1-ewmaAlpha)*p.ewmaLatencyMS
	}

	if !p.lastFrameTS.IsZero() {
		if dt := now.Sub(p.lastFrameTS).Seconds(); dt > 0 {
			inst := 1 / dt
			if p.currentFPS == 0 {
				p.currentFPS = inst
			} else {
				p.currentFPS = ewmaAlpha*inst + (1-ewmaAlpha)*p.currentFPS
			}
		}
	}
	p.lastFrameTS = now

	metrics.SetPipelineHealthy(p.desc.Name, p.healthyLocked())
}

// Cleanup releases module resources. Subsequent Process calls fail with an
// initialization error; a fresh Initialize is allowed afterwards, also from
// the failed-init state.
func (p *Pipeline) Cleanup(ctx context.Context) {
	if p.desc.Cleanup != nil {
		if err := p.desc.Cleanup(ctx); err != nil {
			cleanupLogger := log.WithComponent("pipeline")
			cleanupLogger.Warn().
				Str(log.FieldPipeline, p.desc.Name).
				Err(err).
				Msg("cleanup reported error")
		}
	}

	p.mu.Lock()
	p.initialized = false
	p.failedInit = false
	p.cleaned = true
	p.mu.Unlock()
	metrics.SetPipelineHealthy(p.desc.Name, false)
}

// healthyLocked implements the health formula. Callers hold p.mu.
func (p *Pipeline) healthyLocked() bool {
	if !p.initialized {
		return false
	}
	if p.framesProcessed == 0 {
		return true
	}
	return float64(p.errorCount)/float64(p.framesProcessed) < 0.1
}

// Healthy reports the derived health flag.
func (p *Pipeline) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthyLocked()
}

// Initialized reports whether the pipeline is ready to process.
func (p *Pipeline) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}
