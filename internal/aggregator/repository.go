// Package aggregator snapshots per-queue health into append-only rows.
package aggregator

import (
	"context"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
)

// QueueStats are the raw counts behind one snapshot.
// Pending, Processing, Retrying and DeadLetter are current status counts.
// Completed and Failed count rows that reached those outcomes inside the window.
type QueueStats struct {
	Pending           int
	Processing        int
	Retrying          int
	DeadLetter        int
	Completed         int
	Failed            int
	AvgProcessingTime time.Duration
	MaxProcessingTime time.Duration
	ActiveWorkers     int
}

// SnapshotFilter narrows ListSnapshots.
type SnapshotFilter struct {
	QueueType domain.QueueType
	From      time.Time
	To        time.Time
	Limit     int
}

// Repository reads message statistics and stores snapshots. It never
// modifies messages.
type Repository interface {
	CollectQueueStats(ctx context.Context, queueType domain.QueueType, windowStart, now time.Time) (QueueStats, error)
	InsertSnapshot(ctx context.Context, s *domain.QueueMetricsSnapshot) error
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]domain.QueueMetricsSnapshot, error)
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}
