// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/michaelhil/synopticon/internal/bus"
	"github.com/michaelhil/synopticon/internal/metrics"
	"github.com/michaelhil/synopticon/internal/session"
)

const (
	wsMaxMessageSize  = 64 << 10 // 64 KiB
	wsClientRate      = 10       // client messages per second
	wsWriteWait       = 10 * time.Second
	wsSendQueueLength = 64
)

// wsFrame is the uniform frame shape on the status channel.
type wsFrame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients carry no origin.
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		// Empty allow-list: only same-host browser clients.
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	return s.cfg.OriginAllowed(origin)
}

// handleWS serves the status channel: a snapshot on connect, then
// incremental event deltas, with ping/pong and a client message rate limit.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade rejected")
		return
	}

	metrics.WSClients.Inc()
	defer metrics.WSClients.Dec()
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(wsMaxMessageSize)

	sub, err := s.events.Subscribe(r.Context(), bus.TopicAll)
	if err != nil {
		return
	}
	defer func() { _ = sub.Close() }()

	send := make(chan wsFrame, wsSendQueueLength)

	// Snapshot first, deltas after.
	health := s.orch.Health()
	send <- wsFrame{
		Type: "connected",
		Data: map[string]any{
			"streams": s.sessions.List(session.ListFilter{}),
			"status":  health.Overall,
			"version": s.version,
		},
	}

	// Shutdown order: the read loop returns on disconnect, the deferred
	// sub.Close() ends the forwarder, and the forwarder's done channel ends
	// the write loop. The send channel is never closed.
	done := make(chan struct{})
	go s.wsWriteLoop(conn, send, done)

	go func() {
		defer close(done)
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				select {
				case send <- wsFrame{Type: ev.Topic, Data: ev.Payload, Timestamp: ev.Timestamp}:
				default:
					// Slow consumer: drop the delta rather than block the bus.
				}
			}
		}
	}()

	s.wsReadLoop(conn, send)
}

func (s *Server) wsWriteLoop(conn *websocket.Conn, send <-chan wsFrame, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame, ok := <-send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

// wsReadLoop consumes client messages: ping requests, with invalid frames
// answered by an error frame instead of a close.
func (s *Server) wsReadLoop(conn *websocket.Conn, send chan<- wsFrame) {
	limiter := rate.NewLimiter(wsClientRate, wsClientRate)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if !limiter.Allow() {
			trySend(send, wsFrame{Type: "error", Reason: "rate limit exceeded"})
			continue
		}

		var msg wsFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			trySend(send, wsFrame{Type: "error", Reason: "invalid message"})
			continue
		}

		switch msg.Type {
		case "ping":
			trySend(send, wsFrame{Type: "pong", Timestamp: time.Now().UTC()})
		default:
			trySend(send, wsFrame{Type: "error", Reason: "unknown message type"})
		}
	}
}

func trySend(send chan<- wsFrame, frame wsFrame) {
	select {
	case send <- frame:
	default:
	}
}
