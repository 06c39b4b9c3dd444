// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package distribute

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/metrics"
	"github.com/michaelhil/synopticon/internal/resilience"
)

const (
	mqttQueueMaxBytes     = 1 << 20 // offline queue cap, drop-oldest beyond
	mqttReconnectInitial  = 200 * time.Millisecond
	mqttReconnectCap      = 30 * time.Second
	mqttPublishTimeout    = 10 * time.Second
	mqttDisconnectQuiesce = 250 // ms, paho's own drain window
)

type mqttMsg struct {
	topic   string
	qos     byte
	payload []byte
}

// MQTT publishes JSON payloads to a broker. Messages are queued while
// disconnected up to a byte cap (drop-oldest), and the connection is retried
// with exponential backoff.
type MQTT struct {
	mu         sync.Mutex
	client     mqtt.Client
	brokerURL  string
	queue      []mqttMsg
	queueBytes int
	redialing  bool

	clientFactory func(brokerURL string, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) mqtt.Client

	breaker *resilience.Breaker
	logger  zerolog.Logger

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
	lastErr atomic.Value // string
}

// NewMQTT creates the MQTT distributor.
func NewMQTT() *MQTT {
	m := &MQTT{
		breaker: resilience.New("distributor_mqtt"),
		logger:  log.WithComponent("distributor").With().Str(log.FieldTransport, string(TransportMQTT)).Logger(),
	}
	m.clientFactory = func(brokerURL string, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) mqtt.Client {
		opts := mqtt.NewClientOptions().
			AddBroker(brokerURL).
			SetClientID("synopticon-" + fmt.Sprintf("%d", time.Now().UnixNano())).
			SetAutoReconnect(false).
			SetConnectTimeout(10 * time.Second).
			SetOnConnectHandler(onConnect).
			SetConnectionLostHandler(onLost)
		return mqtt.NewClient(opts)
	}
	return m
}

func (m *MQTT) Transport() Transport { return TransportMQTT }

// Connect is a no-op: the client is created lazily for the first
// destination's broker.
func (m *MQTT) Connect(context.Context) error { return nil }

// ensureClient returns the client for the broker, creating and connecting
// one if needed. Connect runs outside the mutex: the on-connect hook takes
// it to flush the offline queue.
func (m *MQTT) ensureClient(brokerURL string) mqtt.Client {
	m.mu.Lock()
	if m.client != nil && m.brokerURL == brokerURL {
		client := m.client
		m.mu.Unlock()
		return client
	}
	old := m.client
	m.brokerURL = brokerURL
	client := m.clientFactory(brokerURL, m.onConnect, m.onConnectionLost)
	m.client = client
	m.mu.Unlock()

	if old != nil {
		old.Disconnect(mqttDisconnectQuiesce)
	}

	if token := client.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		m.mu.Lock()
		if m.client == client {
			m.scheduleRedialLocked()
		}
		m.mu.Unlock()
	}
	return client
}

func (m *MQTT) onConnect(mqtt.Client) {
	m.mu.Lock()
	broker := m.brokerURL
	m.mu.Unlock()
	m.logger.Info().Str(log.FieldDestination, broker).Msg("broker connected")
	m.flushQueue()
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	m.lastErr.Store(err.Error())
	m.logger.Warn().Err(err).Msg("broker connection lost")
	m.mu.Lock()
	m.scheduleRedialLocked()
	m.mu.Unlock()
}

// scheduleRedialLocked starts one reconnect goroutine with exponential
// backoff from 200 ms capped at 30 s. Callers hold m.mu.
func (m *MQTT) scheduleRedialLocked() {
	if m.redialing || m.client == nil {
		return
	}
	m.redialing = true
	client := m.client

	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = mqttReconnectInitial
		bo.MaxInterval = mqttReconnectCap
		bo.MaxElapsedTime = 0 // retry until replaced or connected

		for {
			wait := bo.NextBackOff()
			time.Sleep(wait)

			m.mu.Lock()
			current := m.client
			m.mu.Unlock()
			if current != client {
				return // client replaced, a new cycle owns reconnection
			}
			metrics.DistributorReconnects.WithLabelValues(string(TransportMQTT)).Inc()

			token := client.Connect()
			if token.WaitTimeout(10*time.Second) && token.Error() == nil {
				m.mu.Lock()
				m.redialing = false
				m.mu.Unlock()
				return
			}
			if token.Error() != nil {
				m.lastErr.Store(token.Error().Error())
			}
		}
	}()
}

// flushQueue publishes everything queued while disconnected, in order.
func (m *MQTT) flushQueue() {
	m.mu.Lock()
	queued := m.queue
	m.queue = nil
	m.queueBytes = 0
	client := m.client
	m.mu.Unlock()

	for _, msg := range queued {
		token := client.Publish(msg.topic, msg.qos, false, msg.payload)
		if token.WaitTimeout(mqttPublishTimeout) && token.Error() == nil {
			m.sent.Add(1)
			metrics.RecordStreamMessage(string(TransportMQTT), "sent")
		} else {
			m.fail(fmt.Errorf("flush publish to %s failed", msg.topic))
		}
	}
}

func (m *MQTT) enqueue(msg mqttMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = append(m.queue, msg)
	m.queueBytes += len(msg.payload)
	for m.queueBytes > mqttQueueMaxBytes && len(m.queue) > 0 {
		oldest := m.queue[0]
		m.queue = m.queue[1:]
		m.queueBytes -= len(oldest.payload)
		m.dropped.Add(1)
		metrics.RecordStreamMessage(string(TransportMQTT), "dropped")
	}
}

// Send publishes one payload, queueing it when the broker is unreachable.
func (m *MQTT) Send(_ context.Context, ref Ref, payload []byte) error {
	topic := ref.Dest.Topic
	client := m.ensureClient(ref.Dest.URL)

	if !client.IsConnected() {
		m.enqueue(mqttMsg{topic: topic, qos: ref.Dest.QoS, payload: payload})
		return nil
	}

	err := m.breaker.Execute(func() error {
		token := client.Publish(topic, ref.Dest.QoS, false, payload)
		if !token.WaitTimeout(mqttPublishTimeout) {
			return fmt.Errorf("publish to %s timed out", topic)
		}
		return token.Error()
	})
	if err != nil {
		m.fail(err)
		return err
	}

	m.sent.Add(1)
	metrics.RecordStreamMessage(string(TransportMQTT), "sent")
	return nil
}

func (m *MQTT) fail(err error) {
	m.failed.Add(1)
	m.lastErr.Store(err.Error())
	metrics.RecordStreamMessage(string(TransportMQTT), "error")
}

func (m *MQTT) Disconnect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(mqttDisconnectQuiesce)
		m.client = nil
	}
	return nil
}

func (m *MQTT) Health() Health {
	m.mu.Lock()
	connected := m.client != nil && m.client.IsConnected()
	m.mu.Unlock()

	lastErr, _ := m.lastErr.Load().(string)
	return Health{
		Transport: TransportMQTT,
		Connected: connected,
		Breaker:   m.breaker.State().String(),
		Sent:      m.sent.Load(),
		Failed:    m.failed.Load(),
		LastError: lastErr,
	}
}

var _ Distributor = (*MQTT)(nil)
