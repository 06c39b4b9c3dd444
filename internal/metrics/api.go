// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts control API requests by route and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synopticon_http_requests_total",
		Help: "Control API requests by route and status code",
	}, []string{"route", "status"})

	// WSClients tracks connected status-channel clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synopticon_ws_clients",
		Help: "Connected WebSocket status clients",
	})

	// BusEvents counts event bus publications per topic.
	BusEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synopticon_bus_events_total",
		Help: "Event bus publications by topic",
	}, []string{"topic"})

	// QualityChanges counts quality controller level changes by direction.
	QualityChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synopticon_quality_changes_total",
		Help: "Quality level changes by direction (up, down)",
	}, []string{"direction"})
)

// RecordHTTPRequest records one served request.
func RecordHTTPRequest(route string, status int) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
