// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/michaelhil/synopticon/internal/bus"
	"github.com/michaelhil/synopticon/internal/distribute"
	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/metrics"
	"github.com/michaelhil/synopticon/internal/quality"
	"github.com/michaelhil/synopticon/internal/recorder"
	"github.com/michaelhil/synopticon/internal/result"
)

// Options tune the manager; zero values fall back to the documented defaults.
type Options struct {
	// QueueSize bounds each stream's send queue.
	QueueSize int
	// FailThreshold is the consecutive-send-failure count that fails a stream.
	FailThreshold int
}

// Manager owns the stream table. Writers serialize through the manager's
// mutex; stream workers only touch their own stream's state.
type Manager struct {
	opts   Options
	events bus.Bus
	logger zerolog.Logger

	dists map[distribute.Transport]distribute.Distributor

	mu      sync.RWMutex
	streams map[string]*stream
}

// NewManager creates a manager over the given distributors.
func NewManager(events bus.Bus, dists []distribute.Distributor, opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = 10
	}

	m := &Manager{
		opts:    opts,
		events:  events,
		logger:  log.WithComponent("session"),
		dists:   make(map[distribute.Transport]distribute.Distributor, len(dists)),
		streams: make(map[string]*stream),
	}
	for _, d := range dists {
		m.dists[d.Transport()] = d
	}
	return m
}

// Create validates the spec, registers a pending stream and starts its
// worker. The actual connect is lazy on first send.
func (m *Manager) Create(ctx context.Context, spec Spec) (View, error) {
	if spec.Template != "" {
		resolved, err := ResolveTemplate(spec)
		if err != nil {
			return View{}, err
		}
		spec = resolved
	}

	transport, err := distribute.ParseTransport(string(spec.Type))
	if err != nil {
		return View{}, err
	}
	dist, ok := m.dists[transport]
	if !ok {
		return View{}, fmt.Errorf("no distributor for transport %q", transport)
	}
	if err := spec.Destination.Validate(transport); err != nil {
		return View{}, err
	}
	source, err := result.ParseCapability(spec.Source)
	if err != nil {
		return View{}, err
	}
	if spec.Filter != nil && spec.Filter.MinConfidence < 0 {
		return View{}, errors.New("filter min_confidence must be non-negative")
	}

	s := &stream{
		id:        uuid.NewString(),
		transport: transport,
		source:    source,
		createdAt: time.Now().UTC(),
		clientID:  spec.ClientID,
		dest:      spec.Destination,
		status:    StatusPending,
		queueCap:  m.opts.QueueSize,
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if spec.Filter != nil {
		f := *spec.Filter
		s.filter = &f
	}
	if spec.QualityControl {
		s.qc = quality.NewController(s.id, m.events, quality.Options{Initial: quality.High})
		qcCtx, cancel := context.WithCancel(context.Background())
		s.qcCancel = cancel
		s.qc.Start(qcCtx)
	}

	m.mu.Lock()
	m.streams[s.id] = s
	m.mu.Unlock()

	metrics.ActiveStreams.WithLabelValues(string(transport), string(StatusPending)).Inc()
	go m.runWorker(s, dist)

	m.logger.Info().
		Str(log.FieldStreamID, s.id).
		Str(log.FieldTransport, string(transport)).
		Str(log.FieldCapability, spec.Source).
		Msg("stream created")
	_ = m.events.Publish(ctx, bus.TopicStreamCreated, s.view())

	return s.view(), nil
}

// Get returns one stream.
func (m *Manager) Get(id string) (View, bool) {
	m.mu.RLock()
	s, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return View{}, false
	}
	return s.view(), true
}

// ListFilter narrows List output; zero fields match everything.
type ListFilter struct {
	Status Status
	Type   distribute.Transport
}

// List returns all streams matching the filter, ordered by creation time.
func (m *Manager) List(f ListFilter) []View {
	m.mu.RLock()
	views := make([]View, 0, len(m.streams))
	for _, s := range m.streams {
		v := s.view()
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.Type != "" && v.Type != f.Type {
			continue
		}
		views = append(views, v)
	}
	m.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// Count returns the number of registered streams.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Patch carries the mutable fields for Modify. Nil fields are untouched.
type Patch struct {
	Filter      *FilterSpec             `json:"filter,omitempty"`
	Destination *distribute.Destination `json:"destination,omitempty"`
	Status      *Status                 `json:"status,omitempty"`
}

// Modify updates a stream's mutable fields. Type, source and id are
// immutable; destinations may change only on connection-less transports.
func (m *Manager) Modify(ctx context.Context, id string, patch Patch) (View, error) {
	m.mu.RLock()
	s, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return View{}, fmt.Errorf("stream %s not found", id)
	}

	s.mu.Lock()
	if s.status == StatusClosed || s.status == StatusFailed {
		st := s.status
		s.mu.Unlock()
		return View{}, fmt.Errorf("stream %s is %s", id, st)
	}

	if patch.Destination != nil {
		if s.transport != distribute.TransportUDP && s.transport != distribute.TransportHTTP {
			s.mu.Unlock()
			return View{}, fmt.Errorf("destination of a %s stream is immutable", s.transport)
		}
		if err := patch.Destination.Validate(s.transport); err != nil {
			s.mu.Unlock()
			return View{}, err
		}
		s.dest = *patch.Destination
	}

	if patch.Filter != nil {
		f := *patch.Filter
		s.filter = &f
	}

	var event string
	if patch.Status != nil {
		switch *patch.Status {
		case StatusPaused:
			if s.status == StatusActive || s.status == StatusPending {
				m.setStatusLocked(s, StatusPaused)
				event = bus.TopicStreamPaused
			}
		case StatusActive:
			if s.status == StatusPaused {
				m.setStatusLocked(s, StatusActive)
				event = bus.TopicStreamResumed
			}
		default:
			s.mu.Unlock()
			return View{}, fmt.Errorf("status can only be set to %q or %q", StatusPaused, StatusActive)
		}
	}
	s.mu.Unlock()

	if event != "" {
		_ = m.events.Publish(ctx, event, s.view())
	}
	return s.view(), nil
}

// Remove closes a stream, stops its worker and releases its resources.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %s not found", id)
	}

	s.mu.Lock()
	m.setStatusLocked(s, StatusClosed)
	// Default drain_on_close=false: queued payloads are discarded.
	s.queue = nil
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	if s.qc != nil {
		s.qc.Stop()
		s.qcCancel()
	}
	if rec != nil {
		_ = rec.Close()
	}

	m.logger.Info().Str(log.FieldStreamID, id).Msg("stream closed")
	_ = m.events.Publish(ctx, bus.TopicStreamClosed, s.view())
	return nil
}

// RecordStart branches the stream to a JSON-lines sink at path.
func (m *Manager) RecordStart(_ context.Context, id, path string) error {
	m.mu.RLock()
	s, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stream %s not found", id)
	}

	rec, err := recorder.Open(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.rec != nil {
		s.mu.Unlock()
		_ = rec.Close()
		return fmt.Errorf("stream %s is already recording", id)
	}
	s.rec = rec
	s.mu.Unlock()
	return nil
}

// RecordStop closes the recording branch.
func (m *Manager) RecordStop(_ context.Context, id string) error {
	m.mu.RLock()
	s, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stream %s not found", id)
	}

	s.mu.Lock()
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()

	if rec == nil {
		return fmt.Errorf("stream %s is not recording", id)
	}
	return rec.Close()
}

// Share multiplexes a stream to a second destination by creating a
// secondary stream with the same source and filter.
func (m *Manager) Share(ctx context.Context, id string, dest distribute.Destination) (View, error) {
	m.mu.RLock()
	s, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return View{}, fmt.Errorf("stream %s not found", id)
	}

	v := s.view()
	spec := Spec{
		Type:        v.Type,
		Source:      v.Source,
		Destination: dest,
		Filter:      v.Filter,
		ClientID:    v.ClientID,
	}
	return m.Create(ctx, spec)
}

// Dispatch fans one analysis result out to every stream whose source
// capability is among the request's capabilities. Paused streams drop the
// message without queueing; ordering per stream follows call order.
func (m *Manager) Dispatch(ctx context.Context, caps result.CapabilitySet, res result.AnalysisResult) {
	m.mu.RLock()
	targets := make([]*stream, 0, len(m.streams))
	for _, s := range m.streams {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if !caps.Has(s.source) {
			continue
		}

		s.mu.Lock()
		if s.status != StatusPending && s.status != StatusActive {
			s.mu.Unlock()
			continue
		}
		filtered, ok := s.passesFilterLocked(res)
		rec := s.rec
		s.mu.Unlock()
		if !ok {
			continue
		}

		payload, err := encodeFor(s.transport, filtered)
		if err != nil {
			s.mu.Lock()
			s.stats.Errors++
			s.lastError = err.Error()
			s.mu.Unlock()
			metrics.RecordStreamMessage(string(s.transport), "error")
			continue
		}

		if rec != nil {
			if err := rec.Write(s.id, filtered); err != nil {
				m.logger.Warn().Str(log.FieldStreamID, s.id).Err(err).Msg("recording write failed")
			}
		}

		if dropped := s.enqueue(payload); dropped > 0 {
			metrics.RecordStreamMessage(string(s.transport), "dropped")
		}
		m.sampleQueueDepth(s)
	}
}

// encodeFor serializes one result per the transport's wire format: compact
// binary datagrams for UDP, JSON for everything else.
func encodeFor(t distribute.Transport, res result.AnalysisResult) ([]byte, error) {
	if t == distribute.TransportUDP {
		return result.EncodeDatagram(res)
	}
	return result.EncodeJSON(res)
}

func (m *Manager) sampleQueueDepth(s *stream) {
	s.mu.Lock()
	depth := len(s.queue)
	s.mu.Unlock()
	metrics.StreamQueueDepth.WithLabelValues(s.id).Set(float64(depth))
}

// runWorker drains one stream's queue into its distributor. Per-stream
// ordering is guaranteed by the single worker.
func (m *Manager) runWorker(s *stream, d distribute.Distributor) {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case <-s.notify:
		}

		for {
			select {
			case <-s.stop:
				return
			default:
			}

			payload, ok := s.pop()
			if !ok {
				break
			}

			ref := distribute.Ref{StreamID: s.id, Dest: s.destination()}
			if s.transport == distribute.TransportMQTT {
				// Destination topics are prefixes; data rides {prefix}/{source}/data.
				ref.Dest.Topic = ref.Dest.Topic + "/" + s.source.String() + "/data"
			}
			err := d.Send(context.Background(), ref, payload)
			if !m.onSendResult(s, len(payload), err) {
				return
			}
		}
	}
}

func (s *stream) destination() distribute.Destination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dest
}

// onSendResult updates stream accounting after one send. It returns false
// when the stream has failed and the worker must exit.
func (m *Manager) onSendResult(s *stream, size int, err error) bool {
	if errors.Is(err, distribute.ErrNoSubscribers) {
		return true
	}

	s.mu.Lock()
	if err != nil {
		s.stats.Errors++
		s.lastError = err.Error()
		s.consecFails++
		if s.consecFails >= m.opts.FailThreshold && s.status != StatusFailed {
			m.setStatusLocked(s, StatusFailed)
			s.mu.Unlock()

			m.logger.Warn().
				Str(log.FieldStreamID, s.id).
				Str(log.FieldTransport, string(s.transport)).
				Err(err).
				Msg("stream failed after repeated send errors")
			_ = m.events.Publish(context.Background(), bus.TopicStreamFailed, s.view())
			return false
		}
		s.mu.Unlock()
		return true
	}

	s.stats.Messages++
	s.stats.Bytes += uint64(size)
	s.stats.LastTS = time.Now().UTC()
	s.consecFails = 0

	activated := false
	if s.status == StatusPending {
		m.setStatusLocked(s, StatusActive)
		activated = true
	}
	s.mu.Unlock()

	if activated {
		_ = m.events.Publish(context.Background(), bus.TopicStreamActive, s.view())
	}
	return true
}

// setStatusLocked transitions a stream's status and moves the gauge.
// Callers hold s.mu.
func (m *Manager) setStatusLocked(s *stream, next Status) {
	if s.status == next {
		return
	}
	metrics.ActiveStreams.WithLabelValues(string(s.transport), string(s.status)).Dec()
	metrics.ActiveStreams.WithLabelValues(string(s.transport), string(next)).Inc()
	s.status = next
}

// ReportNetwork feeds one network measurement into a stream's quality
// controller.
func (m *Manager) ReportNetwork(id string, stats quality.NetworkStats) error {
	m.mu.RLock()
	s, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stream %s not found", id)
	}
	if s.qc == nil {
		return fmt.Errorf("stream %s has no quality controller", id)
	}
	s.qc.Report(stats)
	return nil
}

// QualityLevel returns the current level of a quality-controlled stream.
func (m *Manager) QualityLevel(id string) (quality.Level, bool) {
	m.mu.RLock()
	s, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok || s.qc == nil {
		return 0, false
	}
	return s.qc.Level(), true
}

// DistributorHealth reports every distributor's self-check, sorted by
// transport.
func (m *Manager) DistributorHealth() []distribute.Health {
	out := make([]distribute.Health, 0, len(m.dists))
	for _, d := range m.dists {
		out = append(out, d.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Transport < out[j].Transport })
	return out
}

// Transports lists the transports with a registered distributor, sorted.
func (m *Manager) Transports() []distribute.Transport {
	out := make([]distribute.Transport, 0, len(m.dists))
	for t := range m.dists {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close tears down every stream and disconnects the distributors.
func (m *Manager) Close(ctx context.Context) error {
	for _, v := range m.List(ListFilter{}) {
		_ = m.Remove(ctx, v.ID)
	}
	var errs []error
	for _, d := range m.dists {
		if err := d.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
