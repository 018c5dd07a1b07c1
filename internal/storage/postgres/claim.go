package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bissquit/jobqueue/internal/dispatch"
	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/worker"
	"github.com/jackc/pgx/v5"
)

// ClaimBatch locks eligible rows with SKIP LOCKED and moves them to PROCESSING
// in a single statement, so concurrent claimers never receive the same row.
func (r *Repository) ClaimBatch(ctx context.Context, p dispatch.ClaimParams) ([]domain.Message, error) {
	query := `
		WITH candidates AS (
			SELECT id
			FROM messages
			WHERE queue_type = $1
			  AND status IN ('pending', 'retrying')
			  AND scheduled_for <= $2
			  AND (expires_at IS NULL OR expires_at > $2)
			ORDER BY
				LEAST(4, priority + CASE
					WHEN $4::bigint > 0
					THEN FLOOR(EXTRACT(EPOCH FROM ($2 - scheduled_for)) * 1000 / $4::bigint)::int
					ELSE 0
				END) DESC,
				scheduled_for ASC,
				created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE messages m
		SET status = 'processing',
		    started_at = $2,
		    completed_at = NULL,
		    worker_id = $5,
		    attempts = m.attempts + 1,
		    permanent_failure = FALSE,
		    updated_at = $2
		FROM candidates c
		WHERE m.id = c.id
		RETURNING ` + prefixed("m", messageColumns)

	rows, err := r.db.Query(ctx, query,
		string(p.QueueType),
		p.Now,
		p.Limit,
		p.AgingThreshold.Milliseconds(),
		p.WorkerID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	claimed, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not keep the CTE order.
	sort.Slice(claimed, func(i, j int) bool {
		return dispatch.Less(&claimed[i], &claimed[j], p.Now, p.AgingThreshold)
	})
	return claimed, nil
}

// MarkCompleted moves PROCESSING to COMPLETED if workerID still owns the row.
func (r *Repository) MarkCompleted(ctx context.Context, id, workerID string, now time.Time) error {
	query := `
		UPDATE messages
		SET status = 'completed', completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'processing' AND worker_id = $2
	`
	result, err := r.db.Exec(ctx, query, id, workerID, now)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.guardMiss(ctx, id)
	}
	return nil
}

// MarkFailed moves PROCESSING to FAILED if workerID still owns the row.
func (r *Repository) MarkFailed(ctx context.Context, id, workerID string, f worker.Failure, now time.Time) (*domain.Message, error) {
	query := `
		UPDATE messages
		SET status = 'failed', error_message = $3, traceback = $4,
		    permanent_failure = $5, failed_at = $6, updated_at = $6
		WHERE id = $1 AND status = 'processing' AND worker_id = $2
		RETURNING ` + messageColumns
	m, err := scanMessage(r.db.QueryRow(ctx, query, id, workerID, f.ErrorMessage, f.Traceback, f.Permanent, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.guardMiss(ctx, id)
		}
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	return m, nil
}

// ScheduleRetry moves FAILED to RETRYING.
func (r *Repository) ScheduleRetry(ctx context.Context, id string, scheduledFor, now time.Time) error {
	query := `
		UPDATE messages
		SET status = 'retrying', scheduled_for = $2, updated_at = $3
		WHERE id = $1 AND status = 'failed'
	`
	result, err := r.db.Exec(ctx, query, id, scheduledFor, now)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.guardMiss(ctx, id)
	}
	return nil
}

// ListOrphaned returns PROCESSING messages started before startedBefore.
func (r *Repository) ListOrphaned(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list orphaned: %w", err)
	}
	return collectMessages(rows)
}

// ListStaleFailed returns FAILED messages last updated before updatedBefore.
func (r *Repository) ListStaleFailed(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = 'failed' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale failed: %w", err)
	}
	return collectMessages(rows)
}

// ListExpired returns PENDING or RETRYING messages whose expiry has passed.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status IN ('pending', 'retrying') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return collectMessages(rows)
}

// ListPrunable returns COMPLETED and CANCELLED messages, and DEAD_LETTER
// messages with a resolved record, updated before `before`.
func (r *Repository) ListPrunable(ctx context.Context, before time.Time, limit int) ([]domain.Message, error) {
	query := `
		SELECT ` + prefixed("m", messageColumns) + `
		FROM messages m
		WHERE m.updated_at < $1
		  AND (
			m.status IN ('completed', 'cancelled')
			OR (m.status = 'dead_letter' AND EXISTS (
				SELECT 1 FROM dead_letter_records d
				WHERE d.message_id = m.id AND d.resolved_at IS NOT NULL
			))
		  )
		ORDER BY m.updated_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list prunable: %w", err)
	}
	return collectMessages(rows)
}

// DeleteMessages removes messages by id.
func (r *Repository) DeleteMessages(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return result.RowsAffected(), nil
}
