// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package distribute provides the per-transport senders backing streams.
// Distributors are cooperative: Send may block only until the payload is
// enqueued; actual I/O happens on distributor-internal goroutines.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Transport identifies a distribution transport.
type Transport string

const (
	TransportUDP       Transport = "udp"
	TransportWebSocket Transport = "websocket"
	TransportMQTT      Transport = "mqtt"
	TransportHTTP      Transport = "http"
	TransportSSE       Transport = "sse"
)

// ParseTransport resolves a wire value, rejecting unknown transports.
func ParseTransport(s string) (Transport, error) {
	switch Transport(s) {
	case TransportUDP, TransportWebSocket, TransportMQTT, TransportHTTP, TransportSSE:
		return Transport(s), nil
	}
	return "", fmt.Errorf("unknown transport %q", s)
}

// Ordered reports whether the transport preserves wire ordering.
func (t Transport) Ordered() bool { return t != TransportUDP }

// Destination is the transport-specific endpoint of a stream.
type Destination struct {
	Host  string `json:"host,omitempty"`
	Port  int    `json:"port,omitempty"`
	URL   string `json:"url,omitempty"`
	Topic string `json:"topic,omitempty"`
	QoS   byte   `json:"qos,omitempty"`
}

// Addr returns the host:port form for datagram transports.
func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Validate checks the destination against the transport's requirements.
func (d Destination) Validate(t Transport) error {
	switch t {
	case TransportUDP:
		if d.Host == "" || d.Port < 1 || d.Port > 65535 {
			return errors.New("udp destination requires host and port")
		}
	case TransportWebSocket:
		if err := requireURL(d.URL, "ws", "wss"); err != nil {
			return err
		}
	case TransportHTTP:
		if err := requireURL(d.URL, "http", "https"); err != nil {
			return err
		}
	case TransportMQTT:
		if err := requireURL(d.URL, "tcp", "ssl", "mqtt", "mqtts", "ws", "wss"); err != nil {
			return err
		}
		if d.Topic == "" {
			return errors.New("mqtt destination requires a topic prefix")
		}
		if d.QoS > 2 {
			return fmt.Errorf("mqtt qos %d out of range", d.QoS)
		}
	case TransportSSE:
		// Server-pushed: clients attach over the control API, nothing to dial.
	default:
		return fmt.Errorf("unknown transport %q", t)
	}
	return nil
}

func requireURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("destination requires a url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("destination url: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("destination url scheme %q not valid for this transport", u.Scheme)
}

// Ref is the weak reference a distributor holds back to a stream: the id for
// backpressure accounting plus the resolved destination.
type Ref struct {
	StreamID string
	Dest     Destination
}

// Health is a distributor's self-report.
type Health struct {
	Transport Transport `json:"transport"`
	Connected bool      `json:"connected"`
	Breaker   string    `json:"breaker"`
	Sent      uint64    `json:"sent"`
	Failed    uint64    `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
}

// Distributor is the uniform transport contract.
type Distributor interface {
	Transport() Transport
	Connect(ctx context.Context) error
	Send(ctx context.Context, ref Ref, payload []byte) error
	Disconnect(ctx context.Context) error
	Health() Health
}
