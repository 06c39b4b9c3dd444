// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package distribute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/metrics"
)

const (
	sseSubscriberBuffer = 64
	sseHeartbeat        = 15 * time.Second
)

// ErrNoSubscribers marks a send with nobody attached; the session manager
// treats it as neither success nor failure.
var ErrNoSubscribers = errors.New("no sse subscribers attached")

// SSE fans payloads out to attached server-sent-event subscribers. Clients
// attach through the control API; the distributor never dials out. Each
// payload is framed as `event: result` + `data: <json>`; a comment heartbeat
// goes out every 15 seconds.
type SSE struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{} // stream id → subscriber channels

	heartbeatOnce sync.Once
	stopHeartbeat chan struct{}

	logger zerolog.Logger

	sent    atomic.Uint64
	failed  atomic.Uint64
	lastErr atomic.Value // string
}

// NewSSE creates the SSE distributor.
func NewSSE() *SSE {
	return &SSE{
		subs:          make(map[string]map[chan []byte]struct{}),
		stopHeartbeat: make(chan struct{}),
		logger:        log.WithComponent("distributor").With().Str(log.FieldTransport, string(TransportSSE)).Logger(),
	}
}

func (s *SSE) Transport() Transport { return TransportSSE }

// Connect starts the shared heartbeat ticker.
func (s *SSE) Connect(context.Context) error {
	s.heartbeatOnce.Do(func() {
		go s.heartbeatLoop()
	})
	return nil
}

func (s *SSE) heartbeatLoop() {
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopHeartbeat:
			return
		case <-ticker.C:
			s.broadcast([]byte(": heartbeat\n\n"))
		}
	}
}

func (s *SSE) broadcast(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chans := range s.subs {
		for ch := range chans {
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// Attach registers a subscriber for one stream and returns its frame channel
// plus a detach function.
func (s *SSE) Attach(streamID string) (<-chan []byte, func()) {
	ch := make(chan []byte, sseSubscriberBuffer)

	s.mu.Lock()
	if s.subs[streamID] == nil {
		s.subs[streamID] = make(map[chan []byte]struct{})
	}
	s.subs[streamID][ch] = struct{}{}
	s.mu.Unlock()

	detach := func() {
		s.mu.Lock()
		if set, ok := s.subs[streamID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(s.subs, streamID)
			}
		}
		s.mu.Unlock()
	}
	return ch, detach
}

// FormatEvent renders one SSE frame.
func FormatEvent(event string, data []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", event)
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// Send delivers one payload to every subscriber attached to the stream.
// Slow subscribers lose frames rather than blocking the sender.
func (s *SSE) Send(_ context.Context, ref Ref, payload []byte) error {
	frame := FormatEvent("result", payload)

	s.mu.Lock()
	chans := s.subs[ref.StreamID]
	if len(chans) == 0 {
		s.mu.Unlock()
		// Nobody attached yet: not a delivery failure, the stream stays pending.
		return ErrNoSubscribers
	}
	for ch := range chans {
		select {
		case ch <- frame:
		default:
			metrics.RecordStreamMessage(string(TransportSSE), "dropped")
		}
	}
	s.mu.Unlock()

	s.sent.Add(1)
	metrics.RecordStreamMessage(string(TransportSSE), "sent")
	return nil
}

func (s *SSE) Disconnect(context.Context) error {
	close(s.stopHeartbeat)
	s.mu.Lock()
	s.subs = make(map[string]map[chan []byte]struct{})
	s.mu.Unlock()
	return nil
}

func (s *SSE) Health() Health {
	s.mu.Lock()
	connected := len(s.subs) > 0
	s.mu.Unlock()

	lastErr, _ := s.lastErr.Load().(string)
	return Health{
		Transport: TransportSSE,
		Connected: connected,
		Breaker:   "closed",
		Sent:      s.sent.Load(),
		Failed:    s.failed.Load(),
		LastError: lastErr,
	}
}

var _ Distributor = (*SSE)(nil)
