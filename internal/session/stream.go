// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package session provides the stream session manager: creation, mutation
// and teardown of distribution streams, plus the fan-out of analysis
// results into their send queues.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/michaelhil/synopticon/internal/distribute"
	"github.com/michaelhil/synopticon/internal/quality"
	"github.com/michaelhil/synopticon/internal/recorder"
	"github.com/michaelhil/synopticon/internal/result"
)

// Status is the stream lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusFailed  Status = "failed"
	StatusClosed  Status = "closed"
)

// FilterSpec narrows which results a stream forwards.
type FilterSpec struct {
	// MinConfidence drops faces below the threshold; a result whose faces
	// all fall below it is skipped entirely.
	MinConfidence float64 `json:"min_confidence,omitempty"`
	// SampleEvery forwards only every Nth matching result.
	SampleEvery int `json:"sample_every,omitempty"`
}

// Spec is the creation request for a stream.
type Spec struct {
	Type        distribute.Transport   `json:"type"`
	Source      string                 `json:"source"`
	Destination distribute.Destination `json:"destination"`
	Filter      *FilterSpec            `json:"filter,omitempty"`
	ClientID    string                 `json:"client_id,omitempty"`
	Template    string                 `json:"template,omitempty"`
	// QualityControl attaches an adaptive quality controller to the stream.
	QualityControl bool `json:"quality_control,omitempty"`
}

// Stats is the per-stream delivery accounting.
type Stats struct {
	Bytes    uint64    `json:"bytes"`
	Messages uint64    `json:"messages"`
	Errors   uint64    `json:"errors"`
	Dropped  uint64    `json:"dropped"`
	LastTS   time.Time `json:"last_ts,omitzero"`
}

// View is the externally visible stream record.
type View struct {
	ID          string                 `json:"id"`
	Type        distribute.Transport   `json:"type"`
	Source      string                 `json:"source"`
	Destination distribute.Destination `json:"destination"`
	Filter      *FilterSpec            `json:"filter,omitempty"`
	ClientID    string                 `json:"client_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	Status      Status                 `json:"status"`
	Stats       Stats                  `json:"stats"`
	LastError   string                 `json:"last_error,omitempty"`
	Recording   string                 `json:"recording,omitempty"`
}

// stream is the manager-owned runtime record. The manager is the single
// writer; distributors only ever see the id and destination.
type stream struct {
	id        string
	transport distribute.Transport
	source    result.Capability
	createdAt time.Time
	clientID  string

	mu            sync.Mutex
	dest          distribute.Destination
	filter        *FilterSpec
	status        Status
	stats         Stats
	lastError     string
	consecFails   int
	sampleCounter uint64
	rec           *recorder.Recorder

	// Bounded send queue, drop-oldest on overflow.
	queue    [][]byte
	queueCap int

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	qc       *quality.Controller
	qcCancel context.CancelFunc
}

// enqueue appends one payload, dropping the oldest entry when full. It
// returns the number of dropped payloads.
func (s *stream) enqueue(payload []byte) int {
	s.mu.Lock()
	dropped := 0
	for len(s.queue) >= s.queueCap {
		s.queue = s.queue[1:]
		dropped++
	}
	s.queue = append(s.queue, payload)
	s.stats.Dropped += uint64(dropped)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// pop removes the oldest queued payload.
func (s *stream) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	payload := s.queue[0]
	s.queue = s.queue[1:]
	return payload, true
}

func (s *stream) view() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:          s.id,
		Type:        s.transport,
		Source:      s.source.String(),
		Destination: s.dest,
		ClientID:    s.clientID,
		CreatedAt:   s.createdAt,
		Status:      s.status,
		Stats:       s.stats,
		LastError:   s.lastError,
	}
	if s.filter != nil {
		f := *s.filter
		v.Filter = &f
	}
	if s.rec != nil {
		v.Recording = s.rec.Path()
	}
	return v
}

// passesFilter applies the stream filter and returns the (possibly reduced)
// result plus whether it should be forwarded. Callers hold s.mu.
func (s *stream) passesFilterLocked(res result.AnalysisResult) (result.AnalysisResult, bool) {
	if s.filter == nil {
		return res, true
	}

	if s.filter.MinConfidence > 0 && res.Success && len(res.Faces) > 0 {
		kept := make([]result.Face, 0, len(res.Faces))
		for _, f := range res.Faces {
			if f.Confidence >= s.filter.MinConfidence {
				kept = append(kept, f)
			}
		}
		if len(kept) == 0 {
			return res, false
		}
		res.Faces = kept
	}

	if s.filter.SampleEvery > 1 {
		s.sampleCounter++
		if s.sampleCounter%uint64(s.filter.SampleEvery) != 0 {
			return res, false
		}
	}
	return res, true
}
