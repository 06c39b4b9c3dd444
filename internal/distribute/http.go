// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package distribute

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/metrics"
	"github.com/michaelhil/synopticon/internal/resilience"
)

const (
	httpDefaultBatchSize = 10
	httpDefaultBatchWait = 250 * time.Millisecond
	httpRetryAttempts    = 3
	httpRetryInitial     = 100 * time.Millisecond
	httpBatcherQueue     = 256
)

// HTTPOptions tune the POST batcher.
type HTTPOptions struct {
	// BatchSize flushes after this many messages; 1 posts each message
	// individually.
	BatchSize int
	// BatchWait flushes a partial batch after this interval.
	BatchWait time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// HTTPDist posts JSON payloads to a destination URL, batching every N
// messages or T milliseconds, whichever comes first. 5xx responses are
// retried with exponential backoff; 4xx is fatal for that batch.
type HTTPDist struct {
	opts HTTPOptions

	mu       sync.Mutex
	batchers map[string]*httpBatcher

	breaker *resilience.Breaker
	logger  zerolog.Logger

	sent    atomic.Uint64
	failed  atomic.Uint64
	lastErr atomic.Value // string
}

type httpBatcher struct {
	url  string
	in   chan []byte
	done chan struct{}
}

// NewHTTP creates the HTTP distributor.
func NewHTTP(opts HTTPOptions) *HTTPDist {
	if opts.BatchSize <= 0 {
		opts.BatchSize = httpDefaultBatchSize
	}
	if opts.BatchWait <= 0 {
		opts.BatchWait = httpDefaultBatchWait
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPDist{
		opts:     opts,
		batchers: make(map[string]*httpBatcher),
		breaker:  resilience.New("distributor_http"),
		logger:   log.WithComponent("distributor").With().Str(log.FieldTransport, string(TransportHTTP)).Logger(),
	}
}

func (h *HTTPDist) Transport() Transport { return TransportHTTP }

// Connect is a no-op: batchers start lazily per destination.
func (h *HTTPDist) Connect(context.Context) error { return nil }

func (h *HTTPDist) batcherFor(url string) *httpBatcher {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.batchers[url]; ok {
		return b
	}
	b := &httpBatcher{
		url:  url,
		in:   make(chan []byte, httpBatcherQueue),
		done: make(chan struct{}),
	}
	h.batchers[url] = b
	go h.runBatcher(b)
	return b
}

func (h *HTTPDist) runBatcher(b *httpBatcher) {
	defer close(b.done)

	var batch [][]byte
	timer := time.NewTimer(h.opts.BatchWait)
	defer timer.Stop()
	timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		h.post(b.url, batch)
		batch = nil
	}

	for {
		select {
		case msg, ok := <-b.in:
			if !ok {
				flush()
				return
			}
			if len(batch) == 0 {
				timer.Reset(h.opts.BatchWait)
			}
			batch = append(batch, msg)
			if len(batch) >= h.opts.BatchSize {
				timer.Stop()
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

// post sends one batch as a JSON array (or a bare object for a single
// message), retrying 5xx up to three attempts.
func (h *HTTPDist) post(url string, batch [][]byte) {
	var body []byte
	if len(batch) == 1 {
		body = batch[0]
	} else {
		buf := bytes.NewBuffer([]byte{'['})
		for i, msg := range batch {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(msg)
		}
		buf.WriteByte(']')
		body = buf.Bytes()
	}

	if !h.breaker.Allow() {
		h.failed.Add(uint64(len(batch)))
		h.lastErr.Store(resilience.ErrOpen.Error())
		metrics.RecordStreamMessage(string(TransportHTTP), "error")
		return
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(httpRetryInitial),
	), httpRetryAttempts-1)

	err := backoff.Retry(func() error {
		resp, err := h.opts.Client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("post %s: status %d", url, resp.StatusCode)
		default:
			// 4xx is the destination rejecting the message; retrying cannot help.
			return backoff.Permanent(fmt.Errorf("post %s: status %d", url, resp.StatusCode))
		}
	}, bo)

	if err != nil {
		h.breaker.RecordFailure()
		h.failed.Add(uint64(len(batch)))
		h.lastErr.Store(err.Error())
		metrics.RecordStreamMessage(string(TransportHTTP), "error")
		h.logger.Debug().Str(log.FieldDestination, url).Err(err).Msg("post failed")
		return
	}

	h.breaker.RecordSuccess()
	h.sent.Add(uint64(len(batch)))
	metrics.RecordStreamMessage(string(TransportHTTP), "sent")
}

// Send enqueues one payload for the destination batcher.
func (h *HTTPDist) Send(_ context.Context, ref Ref, payload []byte) error {
	if !h.breaker.Available() {
		h.failed.Add(1)
		metrics.RecordStreamMessage(string(TransportHTTP), "error")
		return resilience.ErrOpen
	}

	b := h.batcherFor(ref.Dest.URL)
	select {
	case b.in <- payload:
		return nil
	default:
		h.failed.Add(1)
		h.lastErr.Store("batcher queue full")
		metrics.RecordStreamMessage(string(TransportHTTP), "dropped")
		return fmt.Errorf("http batcher queue full for %s", ref.Dest.URL)
	}
}

func (h *HTTPDist) Disconnect(context.Context) error {
	h.mu.Lock()
	batchers := make([]*httpBatcher, 0, len(h.batchers))
	for url, b := range h.batchers {
		batchers = append(batchers, b)
		delete(h.batchers, url)
	}
	h.mu.Unlock()

	for _, b := range batchers {
		close(b.in)
		select {
		case <-b.done:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

func (h *HTTPDist) Health() Health {
	lastErr, _ := h.lastErr.Load().(string)
	return Health{
		Transport: TransportHTTP,
		Connected: true,
		Breaker:   h.breaker.State().String(),
		Sent:      h.sent.Load(),
		Failed:    h.failed.Load(),
		LastError: lastErr,
	}
}

var _ Distributor = (*HTTPDist)(nil)
