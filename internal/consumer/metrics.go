package consumer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the consumer loops
var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_total",
			Help: "Total number of messages processed per queue kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	loopErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_loop_errors_total",
			Help: "Total number of broker errors hit by the consumer loops",
		},
		[]string{"kind"},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(messagesTotal)
		prometheus.DefaultRegisterer.MustRegister(loopErrorsTotal)
	})
}
