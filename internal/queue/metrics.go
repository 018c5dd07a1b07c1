package queue

import (
	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesEnqueued = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Enqueue calls by queue type and outcome (created, duplicate, invalid)",
	},
	[]string{"queue_type", "outcome"},
)

func recordEnqueue(queueType domain.QueueType, outcome string) {
	if !queueType.Valid() {
		queueType = "unknown"
	}
	messagesEnqueued.WithLabelValues(string(queueType), outcome).Inc()
}
