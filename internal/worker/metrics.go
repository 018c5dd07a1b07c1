package worker

import (
	"time"

	"github.com/bissquit/jobqueue/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Executed tasks by queue type, task and outcome",
		},
		[]string{"queue_type", "task_name", "outcome"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Handler execution time",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"queue_type", "task_name"},
	)

	reaperActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reaper",
			Name:      "actions_total",
			Help:      "Messages touched by the reaper by action (orphaned, settled, expired)",
		},
		[]string{"action"},
	)
)

func recordTask(queueType, taskName string, outcome Outcome, d time.Duration) {
	tasksExecuted.WithLabelValues(queueType, taskName, outcome.String()).Inc()
	taskDuration.WithLabelValues(queueType, taskName).Observe(d.Seconds())
}
