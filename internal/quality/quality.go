// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package quality provides the adaptive quality controller and the shared
// quality profile table used by both the controller and the media pipeline.
package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelhil/synopticon/internal/bus"
	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/metrics"
)

// Level is a discrete quality grade. Higher is better.
type Level int

const (
	Mobile Level = iota
	Low
	Medium
	High
	Ultra
)

func (l Level) String() string {
	switch l {
	case Mobile:
		return "mobile"
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Ultra:
		return "ultra"
	default:
		return "unknown"
	}
}

// ParseLevel resolves a wire value.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "mobile":
		return Mobile, nil
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "ultra":
		return Ultra, nil
	}
	return 0, fmt.Errorf("unknown quality level %q", s)
}

// Profile is the shared per-level table entry consumed by the controller and
// the media pipeline pacing.
type Profile struct {
	Level           Level `json:"level"`
	MinBandwidthBPS int64 `json:"min_bandwidth_bps"`
	FPS             int   `json:"fps"`
	Width           int   `json:"width"`
	Height          int   `json:"height"`
}

// Profiles is the single quality table, ordered worst to best.
var Profiles = [...]Profile{
	{Level: Mobile, MinBandwidthBPS: 150_000, FPS: 5, Width: 320, Height: 240},
	{Level: Low, MinBandwidthBPS: 500_000, FPS: 10, Width: 640, Height: 360},
	{Level: Medium, MinBandwidthBPS: 1_500_000, FPS: 15, Width: 960, Height: 540},
	{Level: High, MinBandwidthBPS: 4_000_000, FPS: 30, Width: 1280, Height: 720},
	{Level: Ultra, MinBandwidthBPS: 10_000_000, FPS: 60, Width: 1920, Height: 1080},
}

// ProfileFor returns the table entry for a level.
func ProfileFor(l Level) Profile { return Profiles[l] }

// NetworkStats is one rolling measurement reported by a distributor.
type NetworkStats struct {
	BandwidthBPS float64 `json:"bandwidth_bps"`
	LatencyMS    float64 `json:"latency_ms"`
	PacketLoss   float64 `json:"packet_loss"`
	JitterMS     float64 `json:"jitter_ms"`
}

const (
	smoothingAlpha  = 0.3
	defaultInterval = 5 * time.Second
	defaultCooldown = 3 * time.Second

	// headroom discounts reported bandwidth before comparing against floors.
	headroom = 0.8
	// upFactor is the extra margin required before stepping up.
	upFactor = 1.5

	latencyCeilingMS = 200
	lossCeiling      = 0.02
)

// Options tune a controller; zero values fall back to defaults.
type Options struct {
	Interval time.Duration
	Cooldown time.Duration
	Initial  Level
}

// Controller adapts one stream's quality level from smoothed network
// feedback. Rules are evaluated on a fixed interval; after any change a
// cooldown suppresses further changes, and a tick moves at most one level.
type Controller struct {
	streamID string
	events   bus.Bus
	logger   zerolog.Logger

	interval time.Duration
	cooldown time.Duration

	mu         sync.Mutex
	level      Level
	smoothed   NetworkStats
	hasSample  bool
	lastChange time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewController creates a controller for one stream.
func NewController(streamID string, events bus.Bus, opts Options) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	return &Controller{
		streamID: streamID,
		events:   events,
		logger:   log.WithComponent("quality").With().Str(log.FieldStreamID, streamID).Logger(),
		interval: opts.Interval,
		cooldown: opts.Cooldown,
		level:    opts.Initial,
		stop:     make(chan struct{}),
	}
}

// Report feeds one measurement into the exponential smoother.
func (c *Controller) Report(s NetworkStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasSample {
		c.smoothed = s
		c.hasSample = true
		return
	}
	c.smoothed.BandwidthBPS = smoothingAlpha*s.BandwidthBPS + (1-smoothingAlpha)*c.smoothed.BandwidthBPS
	c.smoothed.LatencyMS = smoothingAlpha*s.LatencyMS + (1-smoothingAlpha)*c.smoothed.LatencyMS
	c.smoothed.PacketLoss = smoothingAlpha*s.PacketLoss + (1-smoothingAlpha)*c.smoothed.PacketLoss
	c.smoothed.JitterMS = smoothingAlpha*s.JitterMS + (1-smoothingAlpha)*c.smoothed.JitterMS
}

// Level returns the current quality level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Start runs the evaluation loop until ctx is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Evaluate(ctx, time.Now())
			}
		}
	}()
}

// Stop halts the evaluation loop.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Evaluate applies the adaptation rules once. Exposed for deterministic
// tests; the Start loop calls it every tick.
func (c *Controller) Evaluate(ctx context.Context, now time.Time) {
	c.mu.Lock()

	if !c.hasSample || now.Sub(c.lastChange) < c.cooldown {
		c.mu.Unlock()
		return
	}

	current := c.level
	target := current
	effective := c.smoothed.BandwidthBPS * headroom

	switch {
	case effective < float64(ProfileFor(current).MinBandwidthBPS) && current > Mobile:
		target = current - 1
	case c.smoothed.LatencyMS > latencyCeilingMS || c.smoothed.PacketLoss > lossCeiling:
		if current > Mobile {
			target = current - 1
		}
	case current < Ultra && effective > float64(ProfileFor(current+1).MinBandwidthBPS)*upFactor:
		target = current + 1
	}

	if target == current {
		c.mu.Unlock()
		return
	}

	c.level = target
	c.lastChange = now
	c.mu.Unlock()

	direction := "down"
	if target > current {
		direction = "up"
	}
	metrics.QualityChanges.WithLabelValues(direction).Inc()

	c.logger.Info().
		Str(log.FieldOldState, current.String()).
		Str(log.FieldNewState, target.String()).
		Msg("quality level changed")

	_ = c.events.Publish(ctx, bus.TopicQualityChange, map[string]any{
		"stream_id": c.streamID,
		"from":      current.String(),
		"to":        target.String(),
		"direction": direction,
	})
}
