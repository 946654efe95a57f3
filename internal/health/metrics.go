package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for agent health reporting
var (
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of messages waiting in each queue",
		},
		[]string{"queue"},
	)

	dependencyUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_up",
			Help: "Whether a dependency is reachable (1) or not (0)",
		},
		[]string{"dependency"},
	)

	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeats_total",
			Help: "Total number of heartbeat cycle outcomes",
		},
		[]string{"outcome"},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(queueDepth)
		prometheus.DefaultRegisterer.MustRegister(dependencyUp)
		prometheus.DefaultRegisterer.MustRegister(heartbeatsTotal)
	})
}
