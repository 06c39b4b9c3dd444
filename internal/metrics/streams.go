// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveStreams tracks live streams per transport and status.
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "synopticon_streams",
		Help: "Number of registered streams by transport and status",
	}, []string{"transport", "status"})

	// StreamMessages counts distribution outcomes per transport.
	StreamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synopticon_stream_messages_total",
		Help: "Stream message outcomes (sent, dropped, error) by transport",
	}, []string{"transport", "outcome"})

	// StreamQueueDepth samples the per-stream send queue depth.
	StreamQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "synopticon_stream_queue_depth",
		Help: "Current send queue depth per stream",
	}, []string{"stream"})

	// DistributorReconnects counts reconnect attempts per transport.
	DistributorReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synopticon_distributor_reconnects_total",
		Help: "Distributor reconnect attempts by transport",
	}, []string{"transport"})
)

// RecordStreamMessage records one distribution outcome.
func RecordStreamMessage(transport, outcome string) {
	StreamMessages.WithLabelValues(transport, outcome).Inc()
}
