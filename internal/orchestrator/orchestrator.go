// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package orchestrator provides the pipeline registry and the request
// dispatcher with capability selection, circuit breaking and fallback.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelhil/synopticon/internal/bus"
	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/metrics"
	"github.com/michaelhil/synopticon/internal/pipeline"
	"github.com/michaelhil/synopticon/internal/resilience"
	"github.com/michaelhil/synopticon/internal/result"
	"github.com/michaelhil/synopticon/internal/strategy"
)

const (
	defaultTimeout = 10 * time.Second
	// cancelGrace is how long a deadline-expired pipeline call may run before
	// its handle is detached and the result discarded.
	cancelGrace = 500 * time.Millisecond
	// unregisterDrain bounds the wait for in-flight calls on unregister.
	unregisterDrain = 5 * time.Second
)

// Request is one dispatch request.
type Request struct {
	Required result.CapabilitySet
	Strategy string
	Floor    result.PerformanceProfile
	Timeout  time.Duration
	Frame    pipeline.Frame
	// Exclude names a pipeline to skip, so a producer pipeline never
	// receives its own frames.
	Exclude string
}

// Options tune the orchestrator; zero values fall back to the documented defaults.
type Options struct {
	MaxFallbacks     int
	DefaultTimeout   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type entry struct {
	pipe     *pipeline.Pipeline
	breaker  *resilience.Breaker
	inFlight atomic.Int64
	draining atomic.Bool
}

// Orchestrator owns the pipeline descriptors and their breakers.
type Orchestrator struct {
	mu      sync.RWMutex
	entries map[string]*entry

	opts   Options
	events bus.Bus
	logger zerolog.Logger
}

// New creates an orchestrator publishing lifecycle events on events.
func New(events bus.Bus, opts Options) *Orchestrator {
	if opts.MaxFallbacks == 0 {
		opts.MaxFallbacks = 2
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	return &Orchestrator{
		entries: make(map[string]*entry),
		opts:    opts,
		events:  events,
		logger:  log.WithComponent("orchestrator"),
	}
}

func (o *Orchestrator) breakerFor(name string) *resilience.Breaker {
	opts := []resilience.Option{}
	if o.opts.BreakerThreshold > 0 {
		opts = append(opts, resilience.WithThreshold(o.opts.BreakerThreshold))
	}
	if o.opts.BreakerCooldown > 0 {
		opts = append(opts, resilience.WithCooldown(o.opts.BreakerCooldown))
	}
	return resilience.New("pipeline_"+name, opts...)
}

// Register adds a descriptor. Registration is idempotent by name: the same
// name and version is a no-op; a different version replaces the old instance
// after cleaning it up. Replacing an instance that is mid-processing fails.
func (o *Orchestrator) Register(ctx context.Context, desc pipeline.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	old, exists := o.entries[desc.Name]
	if exists {
		if old.pipe.Descriptor().Version == desc.Version {
			o.mu.Unlock()
			return nil
		}
		if old.inFlight.Load() > 0 {
			o.mu.Unlock()
			return fmt.Errorf("pipeline %s@%s is mid-processing, cannot replace", desc.Name, desc.Version)
		}
	}

	pipe, err := pipeline.New(desc)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.entries[desc.Name] = &entry{pipe: pipe, breaker: o.breakerFor(desc.Name)}
	o.mu.Unlock()

	if exists {
		old.pipe.Cleanup(ctx)
	}

	if err := pipe.Initialize(ctx, nil); err != nil {
		o.logger.Warn().Str(log.FieldPipeline, desc.Name).Err(err).Msg("pipeline failed to initialize at registration")
	}

	_ = o.events.Publish(ctx, bus.TopicPipelineRegistered, map[string]string{
		"name":    desc.Name,
		"version": desc.Version,
	})
	return nil
}

// Unregister removes a pipeline, waiting for in-flight calls to drain up to
// five seconds before forcing cleanup.
func (o *Orchestrator) Unregister(ctx context.Context, name string) error {
	o.mu.Lock()
	e, ok := o.entries[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("pipeline %s not registered", name)
	}
	delete(o.entries, name)
	o.mu.Unlock()

	e.draining.Store(true)
	deadline := time.Now().Add(unregisterDrain)
drain:
	for e.inFlight.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break drain
		case <-time.After(10 * time.Millisecond):
		}
	}
	if n := e.inFlight.Load(); n > 0 {
		o.logger.Warn().Str(log.FieldPipeline, name).Int64("in_flight", n).Msg("forcing cleanup with calls in flight")
	}
	e.pipe.Cleanup(ctx)

	_ = o.events.Publish(ctx, bus.TopicPipelineUnregistered, map[string]string{"name": name})
	return nil
}

// snapshot returns a copy of the current entries for lock-free reads.
func (o *Orchestrator) snapshot() []*entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	return out
}

func (o *Orchestrator) lookup(name string) (*entry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[name]
	return e, ok
}

// Process dispatches one request through the fallback chain.
func (o *Orchestrator) Process(ctx context.Context, req Request) result.AnalysisResult {
	if req.Required == 0 {
		metrics.DispatchTotal.WithLabelValues("input_validation").Inc()
		return result.NewFailure(result.KindInputValidation, "request requires at least one capability", "")
	}

	strat, err := strategy.Lookup(req.Strategy)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("input_validation").Inc()
		return result.NewFailure(result.KindInputValidation, err.Error(), "")
	}

	entries := o.snapshot()
	candidates := make([]strategy.Candidate, 0, len(entries))
	byName := make(map[string]*entry, len(entries))
	for _, e := range entries {
		if e.draining.Load() {
			continue
		}
		if req.Exclude != "" && e.pipe.Name() == req.Exclude {
			continue
		}
		byName[e.pipe.Name()] = e
		candidates = append(candidates, strategy.Candidate{
			Pipeline:    e.pipe,
			BreakerOpen: !e.breaker.Available(),
		})
	}

	ordered := strat.Order(strategy.Request{Required: req.Required, Floor: req.Floor}, candidates)
	if len(ordered) == 0 {
		metrics.DispatchTotal.WithLabelValues("model_unavailable").Inc()
		return result.NewFailure(result.KindModelUnavailable,
			fmt.Sprintf("no healthy pipeline covers %v", req.Required.Names()), "")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.opts.DefaultTimeout
	}

	maxAttempts := o.opts.MaxFallbacks + 1
	if maxAttempts > len(ordered) {
		maxAttempts = len(ordered)
	}

	var last result.AnalysisResult
	attempted := 0
	for _, pipe := range ordered {
		if attempted >= maxAttempts {
			break
		}
		e := byName[pipe.Name()]
		if e == nil || !e.breaker.Allow() {
			continue
		}

		depth := attempted
		attempted++
		res := o.attempt(ctx, e, req.Frame, timeout)

		if res.Success {
			e.breaker.RecordSuccess()
			metrics.DispatchTotal.WithLabelValues("success").Inc()
			metrics.DispatchFallbackDepth.Observe(float64(depth))
			return res.WithFallbackDepth(depth)
		}

		if res.Error != nil && res.Error.Kind == result.KindInputValidation {
			// The fault is the caller's: no breaker impact, no fallback.
			metrics.DispatchTotal.WithLabelValues("input_validation").Inc()
			return res.WithFallbackDepth(depth)
		}

		e.breaker.RecordFailure()
		if e.breaker.State() == resilience.StateOpen {
			_ = o.events.Publish(ctx, bus.TopicPipelineCircuitOpen, map[string]string{"name": pipe.Name()})
		}
		last = res

		o.logger.Debug().
			Str(log.FieldPipeline, pipe.Name()).
			Str(log.FieldEvent, "fallback").
			Int("attempt", attempted).
			Msg("pipeline attempt failed")
	}

	metrics.DispatchTotal.WithLabelValues("downstream_failure").Inc()
	if attempted == 0 {
		return result.NewFailure(result.KindModelUnavailable, "all candidate breakers rejected the call", "")
	}

	failure := result.NewFailure(result.KindDownstreamFailure,
		fmt.Sprintf("all %d candidate pipelines failed", attempted), "")
	failure.Error.Cause = last.Error
	return failure.WithFallbackDepth(attempted - 1)
}

// attempt runs one pipeline call under the per-call timeout. When the
// deadline expires and the call ignores cancellation past the grace period,
// the handle is detached and the late result discarded.
func (o *Orchestrator) attempt(ctx context.Context, e *entry, frame pipeline.Frame, timeout time.Duration) result.AnalysisResult {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.inFlight.Add(1)
	out := make(chan result.AnalysisResult, 1)
	go func() {
		defer e.inFlight.Add(-1)
		out <- e.pipe.Process(cctx, frame)
	}()

	select {
	case res := <-out:
		return res
	case <-cctx.Done():
	}

	// Grace window for cooperative cancellation.
	select {
	case res := <-out:
		if res.Success {
			// Finished after the deadline: still a timeout for the caller.
			return result.NewFailure(result.KindProcessingTimeout,
				fmt.Sprintf("completed after deadline (%s)", timeout), e.pipe.Name())
		}
		return res
	case <-time.After(cancelGrace):
		return result.NewFailure(result.KindProcessingTimeout,
			fmt.Sprintf("no response within %s, handle detached", timeout), e.pipe.Name())
	}
}

// Pipelines returns the status of every registered pipeline, sorted by name.
func (o *Orchestrator) Pipelines() []pipeline.Status {
	entries := o.snapshot()
	out := make([]pipeline.Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.pipe.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Breaker returns the breaker snapshot for one pipeline.
func (o *Orchestrator) Breaker(name string) (resilience.Snapshot, bool) {
	e, ok := o.lookup(name)
	if !ok {
		return resilience.Snapshot{}, false
	}
	return e.breaker.Snapshot(), true
}

// Metrics returns the full state snapshot of every pipeline by name.
func (o *Orchestrator) Metrics() map[string]pipeline.Snapshot {
	entries := o.snapshot()
	out := make(map[string]pipeline.Snapshot, len(entries))
	for _, e := range entries {
		out[e.pipe.Name()] = e.pipe.Metrics()
	}
	return out
}
