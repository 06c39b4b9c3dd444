// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package media provides the device-bound producer pipeline that feeds the
// orchestrator: a registered pipeline that is also a frame source.
package media

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/pipeline"
	"github.com/michaelhil/synopticon/internal/quality"
	"github.com/michaelhil/synopticon/internal/result"
)

// Commands accepted through Process.
const (
	ActionStartStream   = "START_STREAM"
	ActionStopStream    = "STOP_STREAM"
	ActionChangeQuality = "CHANGE_QUALITY"
)

// frameQueueCap bounds the producer-to-sink queue; when downstream cannot
// keep up, the oldest frames are dropped.
const frameQueueCap = 30

// Device is a capture source. When nil, the pipeline runs in synthetic mode
// producing empty frames at the configured rate.
type Device interface {
	ReadFrame(ctx context.Context) (pipeline.Frame, error)
	Close() error
}

// FrameSink receives produced frames; the orchestrator registers one.
type FrameSink func(pipeline.Frame)

// Producer is the media streaming pipeline. The ticker-paced capture loop
// only ever appends to the bounded frame queue; a separate dispatch worker
// feeds the sink, so a slow downstream costs frames, never pacing.
type Producer struct {
	device Device
	logger zerolog.Logger

	mu        sync.Mutex
	sink      FrameSink
	level     quality.Level
	streaming bool
	stop      chan struct{}
	prodDone  chan struct{}
	dispDone  chan struct{}
	notify    chan struct{}

	queue   []pipeline.Frame // bounded, drop-oldest
	dropped uint64
}

// NewProducer creates the producer. A nil device selects synthetic mode.
func NewProducer(device Device) *Producer {
	return &Producer{
		device: device,
		level:  quality.Medium,
		logger: log.WithComponent("media"),
	}
}

// SetSink registers the frame callback. Frames dequeued without a sink are
// dropped.
func (p *Producer) SetSink(sink FrameSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// Level returns the current quality level.
func (p *Producer) Level() quality.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Streaming reports whether the producer loop is running.
func (p *Producer) Streaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming
}

// Descriptor exposes the producer as a registrable pipeline.
func (p *Producer) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:         "media-stream",
		Version:      "1.0.0",
		Capabilities: result.NewCapabilitySet(result.FaceDetection),
		Performance: result.PerformanceProfile{
			FPS:       quality.ProfileFor(quality.Medium).FPS,
			LatencyMS: 5,
			CPU:       result.ImpactLow, Memory: result.ImpactLow, Battery: result.ImpactMedium,
			ModelSizeMB: 0,
		},
		Process: p.process,
		Cleanup: p.cleanup,
	}
}

// process handles stream control commands.
func (p *Producer) process(_ context.Context, frame pipeline.Frame) (result.AnalysisResult, error) {
	switch frame.Action {
	case ActionStartStream:
		if err := p.start(); err != nil {
			return result.AnalysisResult{}, err
		}
	case ActionStopStream:
		p.stopStreaming()
	case ActionChangeQuality:
		raw, _ := frame.Params["quality"].(string)
		level, err := quality.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return result.AnalysisResult{}, &result.ErrorRecord{
				Kind: result.KindInputValidation, Message: err.Error(), Timestamp: time.Now().UTC(),
			}
		}
		p.mu.Lock()
		p.level = level
		p.mu.Unlock()
	default:
		return result.AnalysisResult{}, &result.ErrorRecord{
			Kind: result.KindInputValidation, Message: fmt.Sprintf("unknown action %q", frame.Action), Timestamp: time.Now().UTC(),
		}
	}

	res := result.NewSuccess("media-stream", 0, nil)
	res.Metadata = map[string]any{
		"action":    frame.Action,
		"streaming": p.Streaming(),
		"quality":   p.Level().String(),
	}
	return res, nil
}

func (p *Producer) start() error {
	p.mu.Lock()
	if p.streaming {
		p.mu.Unlock()
		return nil
	}
	p.streaming = true
	p.stop = make(chan struct{})
	p.prodDone = make(chan struct{})
	p.dispDone = make(chan struct{})
	p.notify = make(chan struct{}, 1)
	stop, prodDone, dispDone, notify := p.stop, p.prodDone, p.dispDone, p.notify
	p.mu.Unlock()

	go p.produce(stop, prodDone)
	go p.dispatch(stop, notify, dispDone)
	p.logger.Info().Str(log.FieldQuality, p.Level().String()).Msg("media stream started")
	return nil
}

func (p *Producer) stopStreaming() {
	p.mu.Lock()
	if !p.streaming {
		p.mu.Unlock()
		return
	}
	p.streaming = false
	stop, prodDone, dispDone := p.stop, p.prodDone, p.dispDone
	p.mu.Unlock()

	close(stop)
	<-prodDone
	<-dispDone

	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
	p.logger.Info().Msg("media stream stopped")
}

// produce paces frame capture from the quality profile, re-arming the
// ticker when the level changes. It only enqueues; it never waits on the
// sink. The loop is decoupled from the triggering request context: it runs
// until STOP_STREAM or cleanup.
func (p *Producer) produce(stop, done chan struct{}) {
	defer close(done)

	level := p.Level()
	ticker := time.NewTicker(frameInterval(level))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if next := p.Level(); next != level {
				level = next
				ticker.Reset(frameInterval(level))
			}
			p.enqueueFrame(p.captureFrame(level))
		}
	}
}

// enqueueFrame appends one frame, dropping the oldest beyond the cap.
func (p *Producer) enqueueFrame(frame pipeline.Frame) {
	p.mu.Lock()
	p.queue = append(p.queue, frame)
	for len(p.queue) > frameQueueCap {
		p.queue = p.queue[1:]
		p.dropped++
	}
	notify := p.notify
	p.mu.Unlock()

	select {
	case notify <- struct{}{}:
	default:
	}
}

// dispatch drains the frame queue into the sink. Frames dequeued while no
// sink is registered are dropped.
func (p *Producer) dispatch(stop, notify, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-notify:
		}

		for {
			select {
			case <-stop:
				return
			default:
			}

			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			frame := p.queue[0]
			p.queue = p.queue[1:]
			sink := p.sink
			if sink == nil {
				p.dropped++
			}
			p.mu.Unlock()

			if sink != nil {
				sink(frame)
			}
		}
	}
}

// captureFrame reads from the device, falling back to a synthetic empty
// frame sized by the quality profile.
func (p *Producer) captureFrame(level quality.Level) pipeline.Frame {
	if p.device != nil {
		frame, err := p.device.ReadFrame(context.Background())
		if err == nil {
			return frame
		}
		p.logger.Debug().Err(err).Msg("device read failed, emitting synthetic frame")
	}

	profile := quality.ProfileFor(level)
	return pipeline.Frame{
		Width:     profile.Width,
		Height:    profile.Height,
		Format:    "empty",
		Timestamp: time.Now().UTC(),
	}
}

// Dropped returns how many frames were discarded, whether to backpressure
// or for lack of a sink.
func (p *Producer) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Producer) cleanup(context.Context) error {
	p.stopStreaming()
	if p.device != nil {
		return p.device.Close()
	}
	return nil
}

func frameInterval(l quality.Level) time.Duration {
	fps := quality.ProfileFor(l).FPS
	if fps <= 0 {
		fps = 1
	}
	return time.Second / time.Duration(fps)
}
