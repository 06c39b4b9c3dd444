// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package resilience provides the circuit breaker shared by the orchestrator
// (per pipeline) and the distributors (per downstream sink).
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/michaelhil/synopticon/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a call is rejected because the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const (
	defaultThreshold  = 5
	defaultCooldown   = 30 * time.Second
	defaultProbeLimit = 1
)

// Breaker is a consecutive-failure three-state circuit breaker. It opens
// after threshold consecutive failures, stays open for the cooldown, then
// admits up to probeLimit concurrent probes in half-open. One probe success
// closes it; one probe failure re-opens it and restarts the cooldown.
//
// The breaker is pure state: it never sleeps and never spawns tasks.
type Breaker struct {
	mu sync.Mutex

	name  string
	state State

	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
	halfOpenSuccesses   int

	threshold  int
	cooldown   time.Duration
	probeLimit int

	clock clock
}

// Snapshot is a point-in-time view of the breaker for health reporting.
type Snapshot struct {
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	HalfOpenSuccesses   int        `json:"half_open_successes"`
}

// Option is a functional option for Breaker configuration.
type Option func(*Breaker)

// WithClock sets a custom clock for testing.
func WithClock(c clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithThreshold overrides the consecutive-failure threshold.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown overrides the open-state cooldown.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithProbeLimit overrides the half-open concurrent probe limit.
func WithProbeLimit(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.probeLimit = n
		}
	}
}

// New creates a breaker named for metrics reporting.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:       name,
		state:      StateClosed,
		threshold:  defaultThreshold,
		cooldown:   defaultCooldown,
		probeLimit: defaultProbeLimit,
		clock:      realClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	metrics.ObserveBreaker(b.name, int(b.state), 0)
	return b
}

// Allow reports whether a call may proceed. In the open state it handles the
// cooldown transition to half-open; in half-open it reserves a probe slot
// that the following RecordSuccess or RecordFailure releases.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.cooldown {
			b.transitionInto(StateHalfOpen)
			b.halfOpenInFlight = 1
			return true
		}
		metrics.RecordBreakerRejection(b.name)
		return false
	default: // StateHalfOpen
		if b.halfOpenInFlight >= b.probeLimit {
			metrics.RecordBreakerRejection(b.name)
			return false
		}
		b.halfOpenInFlight++
		return true
	}
}

// RecordSuccess marks a successful call. In closed it resets the failure
// streak; in half-open it counts toward closing.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccesses++
		b.transitionInto(StateClosed)
	case StateOpen:
		// Late result from a detached call; the cooldown governs recovery.
	}
	metrics.ObserveBreaker(b.name, int(b.state), b.consecutiveFailures)
}

// RecordFailure marks a failed call and drives the open transitions.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.transitionInto(StateOpen)
		}
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.transitionInto(StateOpen)
	case StateOpen:
		// Already open; the cooldown timer is not extended by late failures.
	}
	metrics.ObserveBreaker(b.name, int(b.state), b.consecutiveFailures)
}

// Available reports whether a call would currently be admitted, without
// transitioning state or reserving a half-open probe slot. Selection filters
// use this; the attempt itself must still go through Allow.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.clock.Now().Sub(b.openedAt) >= b.cooldown
	default: // StateHalfOpen
		return b.halfOpenInFlight < b.probeLimit
	}
}

// Execute wraps fn with breaker admission and bookkeeping.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current breaker record for health output.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Status:              b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
	}
	if b.state == StateOpen {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

func (b *Breaker) transitionInto(s State) {
	if b.state == s {
		return
	}

	b.state = s
	switch s {
	case StateOpen:
		b.openedAt = b.clock.Now()
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.consecutiveFailures = 0
	}

	metrics.RecordBreakerTransition(b.name, s.String())
	metrics.ObserveBreaker(b.name, int(b.state), b.consecutiveFailures)
}
