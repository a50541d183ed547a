package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabwiki",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "Open websocket connections.",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabwiki",
		Subsystem: "transport",
		Name:      "events_total",
		Help:      "Inbound events by name.",
	}, []string{"event"})

	throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabwiki",
		Subsystem: "transport",
		Name:      "throttled_total",
		Help:      "Inbound events dropped by the per-connection rate gate.",
	}, []string{"category"})

	protocolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabwiki",
		Subsystem: "transport",
		Name:      "protocol_errors_total",
		Help:      "collab:error events sent, by code.",
	}, []string{"code"})

	handshakeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collabwiki",
		Subsystem: "transport",
		Name:      "handshake_failures_total",
		Help:      "Connections refused before the upgrade.",
	})
)
