package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/jobqueue/internal/aggregator"
	"github.com/bissquit/jobqueue/internal/domain"
)

// CollectQueueStats computes raw counts for queueType over (windowStart, now].
func (r *Repository) CollectQueueStats(ctx context.Context, queueType domain.QueueType, windowStart, now time.Time) (aggregator.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'retrying'),
			COUNT(*) FILTER (WHERE status = 'dead_letter'),
			COUNT(*) FILTER (WHERE status = 'completed' AND completed_at > $2 AND completed_at <= $3),
			COUNT(*) FILTER (WHERE status IN ('failed', 'retrying', 'dead_letter')
			                   AND failed_at > $2 AND failed_at <= $3),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
				FILTER (WHERE status = 'completed' AND completed_at > $2 AND completed_at <= $3
				          AND started_at IS NOT NULL), 0)::bigint,
			COALESCE(MAX(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
				FILTER (WHERE status = 'completed' AND completed_at > $2 AND completed_at <= $3
				          AND started_at IS NOT NULL), 0)::bigint,
			COUNT(DISTINCT worker_id) FILTER (WHERE status = 'processing')
		FROM messages
		WHERE queue_type = $1
	`
	var stats aggregator.QueueStats
	var avgMS, maxMS int64
	err := r.db.QueryRow(ctx, query, string(queueType), windowStart, now).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Retrying,
		&stats.DeadLetter,
		&stats.Completed,
		&stats.Failed,
		&avgMS,
		&maxMS,
		&stats.ActiveWorkers,
	)
	if err != nil {
		return aggregator.QueueStats{}, fmt.Errorf("collect queue stats: %w", err)
	}
	stats.AvgProcessingTime = time.Duration(avgMS) * time.Millisecond
	stats.MaxProcessingTime = time.Duration(maxMS) * time.Millisecond
	return stats, nil
}

// InsertSnapshot appends a snapshot.
func (r *Repository) InsertSnapshot(ctx context.Context, s *domain.QueueMetricsSnapshot) error {
	query := `
		INSERT INTO queue_metrics (
			id, queue_type, timestamp, pending_count, processing_count, retrying_count,
			completed_count, failed_count, dead_letter_count, avg_processing_time_ms,
			max_processing_time_ms, throughput_per_minute, error_rate, retry_rate,
			active_workers, backlog_warning
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.Exec(ctx, query,
		s.ID,
		string(s.QueueType),
		s.Timestamp,
		s.PendingCount,
		s.ProcessingCount,
		s.RetryingCount,
		s.CompletedCount,
		s.FailedCount,
		s.DeadLetterCount,
		s.AvgProcessingTime.Milliseconds(),
		s.MaxProcessingTime.Milliseconds(),
		s.ThroughputPerMinute,
		s.ErrorRate,
		s.RetryRate,
		s.ActiveWorkers,
		s.BacklogWarning,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshots with timestamp in [From, To], newest first.
func (r *Repository) ListSnapshots(ctx context.Context, filter aggregator.SnapshotFilter) ([]domain.QueueMetricsSnapshot, error) {
	query := `
		SELECT id, queue_type, timestamp, pending_count, processing_count, retrying_count,
		       completed_count, failed_count, dead_letter_count, avg_processing_time_ms,
		       max_processing_time_ms, throughput_per_minute, error_rate, retry_rate,
		       active_workers, backlog_warning
		FROM queue_metrics
		WHERE queue_type = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp DESC
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query, string(filter.QueueType), filter.From, filter.To, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]domain.QueueMetricsSnapshot, 0)
	for rows.Next() {
		var s domain.QueueMetricsSnapshot
		var queueType string
		var avgMS, maxMS int64
		err := rows.Scan(
			&s.ID,
			&queueType,
			&s.Timestamp,
			&s.PendingCount,
			&s.ProcessingCount,
			&s.RetryingCount,
			&s.CompletedCount,
			&s.FailedCount,
			&s.DeadLetterCount,
			&avgMS,
			&maxMS,
			&s.ThroughputPerMinute,
			&s.ErrorRate,
			&s.RetryRate,
			&s.ActiveWorkers,
			&s.BacklogWarning,
		)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.QueueType = domain.QueueType(queueType)
		s.AvgProcessingTime = time.Duration(avgMS) * time.Millisecond
		s.MaxProcessingTime = time.Duration(maxMS) * time.Millisecond
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// PruneSnapshots deletes snapshots older than before.
func (r *Repository) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM queue_metrics WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return result.RowsAffected(), nil
}
