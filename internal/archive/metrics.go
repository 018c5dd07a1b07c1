package archive

import (
	"github.com/bissquit/jobqueue/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesPruned = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "archive",
		Name:      "pruned_total",
		Help:      "Terminal messages removed after their retention window",
	},
)
