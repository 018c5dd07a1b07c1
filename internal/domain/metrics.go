package domain

import "time"

// QueueMetricsSnapshot is an append-only health sample for one queue type.
type QueueMetricsSnapshot struct {
	ID                  string
	QueueType           QueueType
	Timestamp           time.Time
	PendingCount        int
	ProcessingCount     int
	RetryingCount       int
	CompletedCount      int
	FailedCount         int
	DeadLetterCount     int
	AvgProcessingTime   time.Duration
	MaxProcessingTime   time.Duration
	ThroughputPerMinute float64
	ErrorRate           float64
	RetryRate           float64
	ActiveWorkers       int
	BacklogWarning      bool
}
