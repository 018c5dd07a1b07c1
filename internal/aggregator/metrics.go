package aggregator

import (
	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "messages",
			Help:      "Messages per queue type and status at the last snapshot",
		},
		[]string{"queue_type", "status"},
	)

	queueErrorRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "error_rate",
			Help:      "failed / (failed + completed) over the last window",
		},
		[]string{"queue_type"},
	)

	queueThroughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "throughput_per_minute",
			Help:      "Completed messages per minute over the last window",
		},
		[]string{"queue_type"},
	)

	queueBacklogWarning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "backlog_warning",
			Help:      "1 when pending messages exceed the backlog threshold",
		},
		[]string{"queue_type"},
	)
)

func exportSnapshot(s *domain.QueueMetricsSnapshot) {
	qt := string(s.QueueType)
	queueDepth.WithLabelValues(qt, string(domain.StatusPending)).Set(float64(s.PendingCount))
	queueDepth.WithLabelValues(qt, string(domain.StatusProcessing)).Set(float64(s.ProcessingCount))
	queueDepth.WithLabelValues(qt, string(domain.StatusRetrying)).Set(float64(s.RetryingCount))
	queueDepth.WithLabelValues(qt, string(domain.StatusDeadLetter)).Set(float64(s.DeadLetterCount))
	queueErrorRate.WithLabelValues(qt).Set(s.ErrorRate)
	queueThroughput.WithLabelValues(qt).Set(s.ThroughputPerMinute)

	warning := 0.0
	if s.BacklogWarning {
		warning = 1
	}
	queueBacklogWarning.WithLabelValues(qt).Set(warning)
}
