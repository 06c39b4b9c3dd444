// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package distribute

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/metrics"
	"github.com/michaelhil/synopticon/internal/resilience"
)

// wsMaxBuffered caps the per-connection outbound buffer. A consumer that
// falls further behind is closed with a policy violation.
const wsMaxBuffered = 1 << 20 // 1 MiB

const wsWriteTimeout = 10 * time.Second

// WS delivers JSON payloads over outbound WebSocket connections, one per
// destination URL. Order is preserved per connection.
type WS struct {
	mu    sync.Mutex
	conns map[string]*wsConn

	dialer  *websocket.Dialer
	breaker *resilience.Breaker
	logger  zerolog.Logger

	sent    atomic.Uint64
	failed  atomic.Uint64
	lastErr atomic.Value // string
}

type wsConn struct {
	conn     *websocket.Conn
	send     chan []byte
	buffered atomic.Int64
	done     chan struct{}
	closed   atomic.Bool
}

// NewWS creates the WebSocket distributor.
func NewWS() *WS {
	return &WS{
		conns:   make(map[string]*wsConn),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		breaker: resilience.New("distributor_websocket"),
		logger:  log.WithComponent("distributor").With().Str(log.FieldTransport, string(TransportWebSocket)).Logger(),
	}
}

func (w *WS) Transport() Transport { return TransportWebSocket }

// Connect is a no-op: connections are dialed lazily per destination.
func (w *WS) Connect(context.Context) error { return nil }

func (w *WS) connFor(ctx context.Context, rawURL string) (*wsConn, error) {
	w.mu.Lock()
	if c, ok := w.conns[rawURL]; ok && !c.closed.Load() {
		w.mu.Unlock()
		return c, nil
	}
	w.mu.Unlock()

	conn, resp, err := w.dialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	c := &wsConn{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	w.mu.Lock()
	w.conns[rawURL] = c
	w.mu.Unlock()

	go w.writeLoop(rawURL, c)
	return c, nil
}

func (w *WS) writeLoop(rawURL string, c *wsConn) {
	defer func() {
		c.closed.Store(true)
		_ = c.conn.Close()
		close(c.done)
	}()

	for msg := range c.send {
		c.buffered.Add(int64(-len(msg)))
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			w.logger.Debug().Str(log.FieldDestination, rawURL).Err(err).Msg("websocket write failed")
			w.drop(rawURL, c)
			return
		}
		w.sent.Add(1)
		metrics.RecordStreamMessage(string(TransportWebSocket), "sent")
	}
}

func (w *WS) drop(rawURL string, c *wsConn) {
	w.mu.Lock()
	if w.conns[rawURL] == c {
		delete(w.conns, rawURL)
	}
	w.mu.Unlock()
	c.closed.Store(true)
}

// Send enqueues one payload for the destination connection. When the
// buffered backlog exceeds the cap, the connection is closed with a policy
// code instead of buffering without bound.
func (w *WS) Send(ctx context.Context, ref Ref, payload []byte) error {
	if !w.breaker.Allow() {
		w.fail(resilience.ErrOpen)
		return resilience.ErrOpen
	}

	c, err := w.connFor(ctx, ref.Dest.URL)
	if err != nil {
		w.breaker.RecordFailure()
		w.fail(err)
		return err
	}

	if c.buffered.Load()+int64(len(payload)) > wsMaxBuffered {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "send buffer exceeded")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		w.drop(ref.Dest.URL, c)
		close(c.send)
		err := fmt.Errorf("websocket buffer exceeded for %s", ref.Dest.URL)
		w.breaker.RecordFailure()
		w.fail(err)
		return err
	}

	select {
	case c.send <- payload:
		c.buffered.Add(int64(len(payload)))
		w.breaker.RecordSuccess()
		return nil
	default:
		w.breaker.RecordFailure()
		err := fmt.Errorf("websocket send queue full for %s", ref.Dest.URL)
		w.fail(err)
		return err
	}
}

func (w *WS) fail(err error) {
	w.failed.Add(1)
	w.lastErr.Store(err.Error())
	metrics.RecordStreamMessage(string(TransportWebSocket), "error")
}

func (w *WS) Disconnect(context.Context) error {
	w.mu.Lock()
	conns := make(map[string]*wsConn, len(w.conns))
	for k, v := range w.conns {
		conns[k] = v
		delete(w.conns, k)
	}
	w.mu.Unlock()

	for _, c := range conns {
		if !c.closed.Load() {
			close(c.send)
			select {
			case <-c.done:
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}

func (w *WS) Health() Health {
	w.mu.Lock()
	connected := len(w.conns) > 0
	w.mu.Unlock()

	lastErr, _ := w.lastErr.Load().(string)
	return Health{
		Transport: TransportWebSocket,
		Connected: connected,
		Breaker:   w.breaker.State().String(),
		Sent:      w.sent.Load(),
		Failed:    w.failed.Load(),
		LastError: lastErr,
	}
}

var _ Distributor = (*WS)(nil)
