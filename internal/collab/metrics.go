package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "collabwiki"

var (
	sessionsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "collab",
		Name:      "sessions_loaded",
		Help:      "Documents currently held in memory.",
	})

	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "collab",
		Name:      "saves_total",
		Help:      "Save attempts by trigger reason and outcome.",
	}, []string{"reason", "result"})

	saveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "collab",
		Name:      "save_duration_seconds",
		Help:      "Time spent writing a snapshot to the durable store.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"reason"})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "collab",
		Name:      "evictions_total",
		Help:      "Idle sessions evicted to make room for new documents.",
	})

	sessionUnloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "collab",
		Name:      "session_unloads_total",
		Help:      "Sessions removed from memory by reason.",
	}, []string{"reason"})
)
