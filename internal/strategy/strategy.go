// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package strategy provides the deterministic ordering policies the
// orchestrator uses to pick pipelines for a request.
package strategy

import (
	"fmt"
	"sort"

	"github.com/michaelhil/synopticon/internal/pipeline"
	"github.com/michaelhil/synopticon/internal/result"
)

// Request is the slice of a dispatch request a strategy needs: the required
// capabilities and, for hybrid, a performance floor.
type Request struct {
	Required result.CapabilitySet
	Floor    result.PerformanceProfile
}

// Candidate pairs a pipeline with its breaker admission state.
type Candidate struct {
	Pipeline    *pipeline.Pipeline
	BreakerOpen bool
}

// Strategy orders candidate pipelines for a request. Implementations are
// pure: same inputs, same order.
type Strategy interface {
	Name() string
	Order(req Request, candidates []Candidate) []*pipeline.Pipeline
}

const (
	PerformanceFirst = "performance_first"
	AccuracyFirst    = "accuracy_first"
	BatteryOptimized = "battery_optimized"
	Balanced         = "balanced"
	Hybrid           = "hybrid"
)

// Default is the strategy used when a request names none.
const Default = Balanced

var registry = map[string]Strategy{
	PerformanceFirst: ordering{name: PerformanceFirst, less: performanceLess},
	AccuracyFirst:    ordering{name: AccuracyFirst, less: accuracyLess},
	BatteryOptimized: ordering{name: BatteryOptimized, less: batteryLess},
	Balanced:         balanced{},
	Hybrid:           hybrid{},
}

// Lookup resolves a strategy by name. The empty name yields the default.
func Lookup(name string) (Strategy, error) {
	if name == "" {
		name = Default
	}
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return s, nil
}

// Names enumerates the built-in strategies, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// eligible applies the common filter: breaker not open, initialized, and
// capability coverage of the required set. Repeated call failures exclude a
// pipeline through its breaker, not through its error ratio.
func eligible(req Request, candidates []Candidate) []*pipeline.Pipeline {
	out := make([]*pipeline.Pipeline, 0, len(candidates))
	for _, c := range candidates {
		if c.BreakerOpen {
			continue
		}
		if !c.Pipeline.Initialized() {
			continue
		}
		if !c.Pipeline.Descriptor().Capabilities.Covers(req.Required) {
			continue
		}
		out = append(out, c.Pipeline)
	}
	return out
}

// lessFunc compares two pipelines; ties fall through to name order.
type lessFunc func(req Request, a, b *pipeline.Pipeline) (less, tie bool)

type ordering struct {
	name string
	less lessFunc
}

func (o ordering) Name() string { return o.name }

func (o ordering) Order(req Request, candidates []Candidate) []*pipeline.Pipeline {
	pipes := eligible(req, candidates)
	sort.SliceStable(pipes, func(i, j int) bool {
		less, tie := o.less(req, pipes[i], pipes[j])
		if tie {
			return pipes[i].Name() < pipes[j].Name()
		}
		return less
	})
	return pipes
}

// performanceLess: max fps, then min latency, then min cpu.
func performanceLess(_ Request, a, b *pipeline.Pipeline) (bool, bool) {
	pa, pb := a.Descriptor().Performance, b.Descriptor().Performance
	if pa.FPS != pb.FPS {
		return pa.FPS > pb.FPS, false
	}
	if pa.LatencyMS != pb.LatencyMS {
		return pa.LatencyMS < pb.LatencyMS, false
	}
	if pa.CPU != pb.CPU {
		return pa.CPU < pb.CPU, false
	}
	return false, true
}

// accuracyLess: capability-coverage count, then prefer larger models.
func accuracyLess(req Request, a, b *pipeline.Pipeline) (bool, bool) {
	da, db := a.Descriptor(), b.Descriptor()
	ca, cb := da.Capabilities.Count(), db.Capabilities.Count()
	if ca != cb {
		return ca > cb, false
	}
	if da.Performance.ModelSizeMB != db.Performance.ModelSizeMB {
		return da.Performance.ModelSizeMB > db.Performance.ModelSizeMB, false
	}
	return false, true
}

// batteryLess: min battery impact, then min cpu, then min memory.
func batteryLess(_ Request, a, b *pipeline.Pipeline) (bool, bool) {
	pa, pb := a.Descriptor().Performance, b.Descriptor().Performance
	if pa.Battery != pb.Battery {
		return pa.Battery < pb.Battery, false
	}
	if pa.CPU != pb.CPU {
		return pa.CPU < pb.CPU, false
	}
	if pa.Memory != pb.Memory {
		return pa.Memory < pb.Memory, false
	}
	return false, true
}

// balanced scores 0.4·norm(fps) + 0.4·norm(1/latency) + 0.2·(1 − cpu_rank),
// normalized over the candidate set.
type balanced struct{}

func (balanced) Name() string { return Balanced }

func (balanced) Order(req Request, candidates []Candidate) []*pipeline.Pipeline {
	pipes := eligible(req, candidates)
	if len(pipes) < 2 {
		return pipes
	}

	maxFPS, maxInvLat := 0.0, 0.0
	for _, p := range pipes {
		perf := p.Descriptor().Performance
		if f := float64(perf.FPS); f > maxFPS {
			maxFPS = f
		}
		if il := invLatency(perf); il > maxInvLat {
			maxInvLat = il
		}
	}

	score := func(p *pipeline.Pipeline) float64 {
		perf := p.Descriptor().Performance
		s := 0.0
		if maxFPS > 0 {
			s += 0.4 * float64(perf.FPS) / maxFPS
		}
		if maxInvLat > 0 {
			s += 0.4 * invLatency(perf) / maxInvLat
		}
		s += 0.2 * (1 - perf.CPU.Rank())
		return s
	}

	sort.SliceStable(pipes, func(i, j int) bool {
		si, sj := score(pipes[i]), score(pipes[j])
		if si != sj {
			return si > sj
		}
		return pipes[i].Name() < pipes[j].Name()
	})
	return pipes
}

func invLatency(p result.PerformanceProfile) float64 {
	if p.LatencyMS <= 0 {
		return 1
	}
	return 1 / float64(p.LatencyMS)
}

// hybrid applies accuracy ordering over candidates that meet the request's
// performance floor.
type hybrid struct{}

func (hybrid) Name() string { return Hybrid }

func (hybrid) Order(req Request, candidates []Candidate) []*pipeline.Pipeline {
	filtered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Pipeline.Descriptor().Performance.Meets(req.Floor) {
			continue
		}
		filtered = append(filtered, c)
	}
	return ordering{name: Hybrid, less: accuracyLess}.Order(req, filtered)
}
