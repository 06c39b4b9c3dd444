// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package distribute

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/metrics"
	"github.com/michaelhil/synopticon/internal/resilience"
	"github.com/michaelhil/synopticon/internal/result"
)

// UDP sends length-prefixed binary payloads as single datagrams. It is
// connection-less: no ordering guarantee, oversize results are dropped.
type UDP struct {
	mu    sync.Mutex
	conns map[string]*net.UDPConn

	breaker *resilience.Breaker
	logger  zerolog.Logger

	sent    atomic.Uint64
	failed  atomic.Uint64
	lastErr atomic.Value // string
}

// NewUDP creates the UDP distributor.
func NewUDP() *UDP {
	return &UDP{
		conns:   make(map[string]*net.UDPConn),
		breaker: resilience.New("distributor_udp"),
		logger:  log.WithComponent("distributor").With().Str(log.FieldTransport, string(TransportUDP)).Logger(),
	}
}

func (u *UDP) Transport() Transport { return TransportUDP }

// Connect is a no-op: sockets are dialed lazily per destination.
func (u *UDP) Connect(context.Context) error { return nil }

func (u *UDP) conn(addr string) (*net.UDPConn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if c, ok := u.conns[addr]; ok {
		return c, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	c, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	u.conns[addr] = c
	return c, nil
}

// Send writes one datagram. Payloads over the datagram cap are dropped and
// counted as errors; there is no fragmentation.
func (u *UDP) Send(_ context.Context, ref Ref, payload []byte) error {
	if len(payload) > result.MaxDatagramSize {
		u.fail(fmt.Errorf("%w: %d bytes", result.ErrOversizeDatagram, len(payload)))
		return result.ErrOversizeDatagram
	}

	err := u.breaker.Execute(func() error {
		c, err := u.conn(ref.Dest.Addr())
		if err != nil {
			return err
		}
		_, err = c.Write(payload)
		return err
	})
	if err != nil {
		u.fail(err)
		return err
	}

	u.sent.Add(1)
	metrics.RecordStreamMessage(string(TransportUDP), "sent")
	return nil
}

func (u *UDP) fail(err error) {
	u.failed.Add(1)
	u.lastErr.Store(err.Error())
	metrics.RecordStreamMessage(string(TransportUDP), "error")
	u.logger.Debug().Err(err).Msg("datagram send failed")
}

func (u *UDP) Disconnect(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for addr, c := range u.conns {
		_ = c.Close()
		delete(u.conns, addr)
	}
	return nil
}

func (u *UDP) Health() Health {
	lastErr, _ := u.lastErr.Load().(string)
	return Health{
		Transport: TransportUDP,
		Connected: true,
		Breaker:   u.breaker.State().String(),
		Sent:      u.sent.Load(),
		Failed:    u.failed.Load(),
		LastError: lastErr,
	}
}

var _ Distributor = (*UDP)(nil)
