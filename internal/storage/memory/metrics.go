package memory

import (
	"context"
	"sort"
	"time"

	"github.com/bissquit/jobqueue/internal/aggregator"
	"github.com/bissquit/jobqueue/internal/domain"
)

// CollectQueueStats computes raw counts for queueType over (windowStart, now].
func (s *Store) CollectQueueStats(_ context.Context, queueType domain.QueueType, windowStart, now time.Time) (aggregator.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats aggregator.QueueStats
	var total time.Duration
	workers := make(map[string]struct{})
	inWindow := func(t time.Time) bool {
		return t.After(windowStart) && !t.After(now)
	}

	for _, m := range s.messages {
		if m.QueueType != queueType {
			continue
		}
		switch m.Status {
		case domain.StatusPending:
			stats.Pending++
		case domain.StatusProcessing:
			stats.Processing++
			if m.WorkerID != nil {
				workers[*m.WorkerID] = struct{}{}
			}
		case domain.StatusRetrying:
			stats.Retrying++
		case domain.StatusDeadLetter:
			stats.DeadLetter++
		}

		switch m.Status {
		case domain.StatusCompleted:
			if m.CompletedAt == nil || !inWindow(*m.CompletedAt) {
				continue
			}
			stats.Completed++
			if m.StartedAt != nil {
				d := m.CompletedAt.Sub(*m.StartedAt)
				total += d
				stats.MaxProcessingTime = max(stats.MaxProcessingTime, d)
			}
		case domain.StatusFailed, domain.StatusRetrying, domain.StatusDeadLetter:
			if m.FailedAt != nil && inWindow(*m.FailedAt) {
				stats.Failed++
			}
		}
	}

	if stats.Completed > 0 {
		stats.AvgProcessingTime = total / time.Duration(stats.Completed)
	}
	stats.ActiveWorkers = len(workers)
	return stats, nil
}

// InsertSnapshot appends a snapshot.
func (s *Store) InsertSnapshot(_ context.Context, snap *domain.QueueMetricsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, *snap)
	return nil
}

// ListSnapshots returns snapshots with timestamp in [From, To], newest first.
func (s *Store) ListSnapshots(_ context.Context, filter aggregator.SnapshotFilter) ([]domain.QueueMetricsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.QueueMetricsSnapshot, 0)
	for _, snap := range s.snapshots {
		if snap.QueueType != filter.QueueType {
			continue
		}
		if snap.Timestamp.Before(filter.From) || snap.Timestamp.After(filter.To) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return truncate(out, filter.Limit), nil
}

// PruneSnapshots removes snapshots older than before.
func (s *Store) PruneSnapshots(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.snapshots[:0]
	var n int64
	for _, snap := range s.snapshots {
		if snap.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots = kept
	return n, nil
}
