package controlplane

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for control plane requests
var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "control_plane_requests_total",
			Help: "Total number of control plane request outcomes",
		},
		[]string{"method", "outcome"},
	)

	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "control_plane_request_duration_seconds",
			Help:    "Control plane request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(requestsTotal)
		prometheus.DefaultRegisterer.MustRegister(requestDuration)
	})
}
