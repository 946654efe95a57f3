package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for queue operations
var (
	deadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_lettered_messages_total",
			Help: "Total number of messages moved to the dead letter queue",
		},
		[]string{"processing_queue"},
	)

	recoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovered_messages_total",
			Help: "Total number of messages recovered from processing queues at startup",
		},
		[]string{"source_queue"},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(deadLetteredTotal)
		prometheus.DefaultRegisterer.MustRegister(recoveredTotal)
	})
}
