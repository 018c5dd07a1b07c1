package dispatch

import (
	"github.com/bissquit/jobqueue/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "dispatch",
			Name:      "claimed_total",
			Help:      "Messages moved to processing by queue type",
		},
		[]string{"queue_type"},
	)

	claimDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "dispatch",
			Name:      "claim_duration_seconds",
			Help:      "Time spent in one claim round",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"queue_type"},
	)
)
