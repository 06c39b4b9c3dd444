// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/metrics"
)

const subscriberBuffer = 64

// MemoryBus is the in-memory pub/sub used by the core runtime. It is not
// durable and provides best-effort delivery; slow subscribers lose events
// rather than blocking publishers.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Event)}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload any) error {
	ev := Event{Topic: topic, Timestamp: time.Now().UTC(), Payload: payload}
	metrics.BusEvents.WithLabelValues(topic).Inc()

	b.mu.RLock()
	chs := append([]chan Event(nil), b.subs[topic]...)
	chs = append(chs, b.subs[TopicAll]...)
	b.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- ev:
		default:
			// drop on backpressure to avoid producer blockage
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscriber, error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &memSub{b: b, topic: topic, ch: ch}, nil
}

// Handle consumes a subscription with fn until ctx is cancelled or the
// subscription closes. Handler errors and panics are isolated: they are
// logged and the loop continues.
func Handle(ctx context.Context, b Bus, topic string, fn Handler) (func(), error) {
	sub, err := b.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("bus")
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				invoke(ctx, fn, ev, logger)
			}
		}
	}()

	return func() { _ = sub.Close() }, nil
}

func invoke(ctx context.Context, fn Handler, ev Event, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str(log.FieldTopic, ev.Topic).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	if err := fn(ctx, ev); err != nil {
		logger.Error().Str(log.FieldTopic, ev.Topic).Err(err).Msg("event handler failed")
	}
}

type memSub struct {
	b     *MemoryBus
	topic string
	ch    chan Event
	once  sync.Once
}

func (s *memSub) C() <-chan Event {
	return s.ch
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		lst := s.b.subs[s.topic]
		out := lst[:0]
		for _, c := range lst {
			if c != s.ch {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.b.subs, s.topic)
		} else {
			s.b.subs[s.topic] = out
		}
		close(s.ch)
	})
	return nil
}

// Ensure compliance
var _ Bus = (*MemoryBus)(nil)
