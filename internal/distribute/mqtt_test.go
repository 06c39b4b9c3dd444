// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package distribute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToken completes immediately with a fixed error.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishRec struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeMQTTClient swaps in through the clientFactory seam.
type fakeMQTTClient struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	connectCalls int
	published    []publishRec
	onConnect    mqtt.OnConnectHandler
}

func (c *fakeMQTTClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connectCalls++
	if c.connectErr != nil {
		err := c.connectErr
		c.mu.Unlock()
		return &fakeToken{err: err}
	}
	c.connected = true
	onConnect := c.onConnect
	c.mu.Unlock()

	if onConnect != nil {
		onConnect(c)
	}
	return &fakeToken{}
}

func (c *fakeMQTTClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeMQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeMQTTClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeMQTTClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return &fakeToken{err: errors.New("not connected")}
	}
	c.published = append(c.published, publishRec{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeMQTTClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (c *fakeMQTTClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (c *fakeMQTTClient) Unsubscribe(...string) mqtt.Token { return &fakeToken{} }

func (c *fakeMQTTClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (c *fakeMQTTClient) connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *fakeMQTTClient) records() []publishRec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishRec(nil), c.published...)
}

func (c *fakeMQTTClient) setConnectErr(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

var _ mqtt.Client = (*fakeMQTTClient)(nil)

func newFakeMQTT() (*MQTT, *fakeMQTTClient) {
	fc := &fakeMQTTClient{}
	m := NewMQTT()
	m.clientFactory = func(_ string, onConnect mqtt.OnConnectHandler, _ mqtt.ConnectionLostHandler) mqtt.Client {
		fc.mu.Lock()
		fc.onConnect = onConnect
		fc.mu.Unlock()
		return fc
	}
	return m, fc
}

func mqttRef(topic string, qos byte) Ref {
	return Ref{StreamID: "s1", Dest: Destination{URL: "tcp://broker.example:1883", Topic: topic, QoS: qos}}
}

func TestMQTT_PublishesWhenConnected(t *testing.T) {
	m, fc := newFakeMQTT()
	defer func() { _ = m.Disconnect(context.Background()) }()

	require.NoError(t, m.Send(context.Background(), mqttRef("synopticon/face_detection/data", 1), []byte(`{"n":1}`)))

	recs := fc.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "synopticon/face_detection/data", recs[0].topic)
	assert.Equal(t, byte(1), recs[0].qos)
	assert.Equal(t, `{"n":1}`, string(recs[0].payload))
	assert.Equal(t, uint64(1), m.Health().Sent)
	assert.True(t, m.Health().Connected)
}

func TestMQTT_QueuesWhileDisconnected_DropOldest(t *testing.T) {
	m, fc := newFakeMQTT()
	defer func() { _ = m.Disconnect(context.Background()) }()

	fc.setConnectErr(errors.New("broker down"))

	// Five ~300 KiB payloads against the 1 MiB cap: the first two must go.
	big := func(marker byte) []byte {
		buf := make([]byte, 300<<10)
		buf[0] = marker
		return buf
	}
	for i := byte(1); i <= 5; i++ {
		require.NoError(t, m.Send(context.Background(), mqttRef("t", 0), big(i)))
	}

	m.mu.Lock()
	queued := len(m.queue)
	bytes := m.queueBytes
	first := m.queue[0].payload[0]
	m.mu.Unlock()

	assert.Equal(t, 3, queued, "oldest entries dropped to fit the byte cap")
	assert.LessOrEqual(t, bytes, mqttQueueMaxBytes)
	assert.Equal(t, byte(3), first, "drop-oldest keeps the newest payloads")
	assert.Equal(t, uint64(2), m.dropped.Load())
	assert.Zero(t, len(fc.records()), "nothing published while disconnected")
}

func TestMQTT_FlushPreservesOrderOnReconnect(t *testing.T) {
	m, fc := newFakeMQTT()
	defer func() { _ = m.Disconnect(context.Background()) }()

	fc.setConnectErr(errors.New("broker down"))

	for i := byte(1); i <= 5; i++ {
		require.NoError(t, m.Send(context.Background(), mqttRef("t", 0), []byte{i}))
	}
	require.Zero(t, len(fc.records()))

	// The broker comes back; the redial loop reconnects and the on-connect
	// hook flushes the queue in enqueue order.
	fc.setConnectErr(nil)

	require.Eventually(t, func() bool {
		return len(fc.records()) == 5
	}, 5*time.Second, 20*time.Millisecond)

	for i, rec := range fc.records() {
		assert.Equal(t, byte(i+1), rec.payload[0], "publish %d out of order", i)
	}
	assert.Equal(t, uint64(5), m.Health().Sent)
}

func TestMQTT_RedialBacksOffInsteadOfHammering(t *testing.T) {
	m, fc := newFakeMQTT()
	defer func() { _ = m.Disconnect(context.Background()) }()

	fc.setConnectErr(errors.New("broker down"))
	require.NoError(t, m.Send(context.Background(), mqttRef("t", 0), []byte(`{}`)))

	// The failed initial connect schedules the redial loop.
	require.Eventually(t, func() bool {
		return fc.connects() >= 3
	}, 10*time.Second, 20*time.Millisecond)

	// Exponential spacing from 200 ms keeps the attempt count low.
	assert.Less(t, fc.connects(), 10, "redial must back off between attempts")
	assert.False(t, m.Health().Connected)
}
