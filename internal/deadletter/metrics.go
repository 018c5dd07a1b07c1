package deadletter

import (
	"github.com/bissquit/jobqueue/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	quarantined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "dead_letter",
			Name:      "quarantined_total",
			Help:      "Messages moved to the dead-letter queue by queue type and reason",
		},
		[]string{"queue_type", "reason"},
	)

	resolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "dead_letter",
			Name:      "resolved_total",
			Help:      "Dead-letter records resolved by action",
		},
		[]string{"action"},
	)
)
