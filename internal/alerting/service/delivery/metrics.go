package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	createdTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_deliveries_created_total",
		Help: "Deliveries created, including replays.",
	})
	suppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_deliveries_suppressed_total",
		Help: "Deliveries suppressed by the dedup window.",
	})
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_delivery_attempts_total",
		Help: "Delivery attempts by resulting status.",
	}, []string{"status"})
	attemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "controlplane_delivery_attempt_duration_seconds",
		Help:    "Wall time of webhook attempts.",
		Buckets: prometheus.DefBuckets,
	})
	replaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_delivery_replays_total",
		Help: "Replay requests by outcome.",
	}, []string{"outcome"})
)
