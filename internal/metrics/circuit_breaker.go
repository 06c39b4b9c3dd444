// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// breakerState mirrors the numeric state enum of the breaker
	// (0 closed, 1 open, 2 half_open).
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "synopticon_breaker_state",
		Help: "Breaker state per instance (0 closed, 1 open, 2 half_open)",
	}, []string{"breaker"})

	// breakerFailureStreak tracks the consecutive-failure count that drives
	// the closed-to-open transition.
	breakerFailureStreak = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "synopticon_breaker_consecutive_failures",
		Help: "Current consecutive-failure streak per breaker",
	}, []string{"breaker"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synopticon_breaker_transitions_total",
		Help: "Breaker state transitions by target state",
	}, []string{"breaker", "to"})

	breakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synopticon_breaker_rejections_total",
		Help: "Calls rejected while a breaker was open or out of probe slots",
	}, []string{"breaker"})
)

// ObserveBreaker publishes the state and failure streak of one breaker.
func ObserveBreaker(name string, state int, consecutiveFailures int) {
	breakerState.WithLabelValues(name).Set(float64(state))
	breakerFailureStreak.WithLabelValues(name).Set(float64(consecutiveFailures))
}

// RecordBreakerTransition counts one state transition.
func RecordBreakerTransition(name, to string) {
	breakerTransitions.WithLabelValues(name, to).Inc()
}

// RecordBreakerRejection counts one fast-failed call.
func RecordBreakerRejection(name string) {
	breakerRejections.WithLabelValues(name).Inc()
}
