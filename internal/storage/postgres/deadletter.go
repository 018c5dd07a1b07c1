package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/jobqueue/internal/deadletter"
	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deadLetterColumns = `
	id, message_id, task_name, args, kwargs, queue_type, priority, correlation_id,
	failure_reason, error_message, traceback, total_attempts, manual_review_required,
	can_be_retried, resolution_action, resolved_at, resolved_by, resolution_notes,
	retried_message_id, created_at`

func scanDeadLetter(row scanner) (*domain.DeadLetterRecord, error) {
	var (
		rec                      domain.DeadLetterRecord
		args, kwargs             []byte
		queueType, failureReason string
		priority                 int16
		action                   *string
	)
	err := row.Scan(
		&rec.ID,
		&rec.MessageID,
		&rec.TaskName,
		&args,
		&kwargs,
		&queueType,
		&priority,
		&rec.CorrelationID,
		&failureReason,
		&rec.ErrorMessage,
		&rec.Traceback,
		&rec.TotalAttempts,
		&rec.ManualReviewRequired,
		&rec.CanBeRetried,
		&action,
		&rec.ResolvedAt,
		&rec.ResolvedBy,
		&rec.ResolutionNotes,
		&rec.RetriedMessageID,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.QueueType = domain.QueueType(queueType)
	rec.Priority = domain.Priority(priority)
	rec.FailureReason = domain.FailureReason(failureReason)
	if action != nil {
		a := domain.ResolutionAction(*action)
		rec.ResolutionAction = &a
	}
	if err := json.Unmarshal(args, &rec.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal(kwargs, &rec.Kwargs); err != nil {
		return nil, fmt.Errorf("decode kwargs: %w", err)
	}
	return &rec, nil
}

func (r *Repository) deadLetterByMessage(ctx context.Context, q querier, messageID string) (*domain.DeadLetterRecord, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_records WHERE message_id = $1`
	rec, err := scanDeadLetter(q.QueryRow(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, deadletter.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get dead letter by message: %w", err)
	}
	return rec, nil
}

// QuarantineMessage moves the message from `from` to DEAD_LETTER and inserts
// rec in one transaction.
func (r *Repository) QuarantineMessage(ctx context.Context, rec *domain.DeadLetterRecord, from domain.MessageStatus, now time.Time) (*domain.DeadLetterRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer r.rollback(ctx, tx)

	existing, err := r.deadLetterByMessage(ctx, tx, rec.MessageID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, deadletter.ErrRecordNotFound):
		return nil, err
	}

	// A FAILED row keeps the failed_at of the attempt that failed; an expired
	// PENDING or RETRYING row fails now.
	result, err := tx.Exec(ctx, `
		UPDATE messages
		SET status = 'dead_letter',
		    failed_at = CASE WHEN status = 'failed' THEN failed_at ELSE $3 END,
		    updated_at = $3
		WHERE id = $1 AND status = $2`,
		rec.MessageID, string(from), now,
	)
	if err != nil {
		return nil, fmt.Errorf("mark dead letter: %w", err)
	}
	if result.RowsAffected() == 0 {
		r.rollback(ctx, tx)
		// Another process may have quarantined it concurrently.
		if existing, err := r.deadLetterByMessage(ctx, r.db, rec.MessageID); err == nil {
			return existing, nil
		}
		return nil, r.guardMiss(ctx, rec.MessageID)
	}

	args, err := json.Marshal(nonNilArgs(rec.Args))
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	kwargs, err := json.Marshal(nonNilKwargs(rec.Kwargs))
	if err != nil {
		return nil, fmt.Errorf("encode kwargs: %w", err)
	}

	query := `
		INSERT INTO dead_letter_records (
			id, message_id, task_name, args, kwargs, queue_type, priority, correlation_id,
			failure_reason, error_message, traceback, total_attempts,
			manual_review_required, can_be_retried, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING ` + deadLetterColumns
	stored, err := scanDeadLetter(tx.QueryRow(ctx, query,
		rec.ID,
		rec.MessageID,
		rec.TaskName,
		args,
		kwargs,
		string(rec.QueueType),
		int16(rec.Priority),
		rec.CorrelationID,
		string(rec.FailureReason),
		rec.ErrorMessage,
		rec.Traceback,
		rec.TotalAttempts,
		rec.ManualReviewRequired,
		rec.CanBeRetried,
		rec.CreatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("insert dead letter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return stored, nil
}

// GetDeadLetter retrieves a record by ID.
func (r *Repository) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetterRecord, error) {
	if uuid.Validate(id) != nil {
		return nil, deadletter.ErrRecordNotFound
	}
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_records WHERE id = $1`
	rec, err := scanDeadLetter(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, deadletter.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return rec, nil
}

// ListDeadLetters retrieves records matching filter, newest first.
func (r *Repository) ListDeadLetters(ctx context.Context, filter deadletter.ListFilter) ([]domain.DeadLetterRecord, error) {
	query := `
		SELECT ` + deadLetterColumns + `
		FROM dead_letter_records
		WHERE ($1 = '' OR queue_type = $1)
		  AND ($2::boolean IS NULL OR manual_review_required = $2)
		  AND ($3::boolean IS NULL OR (resolved_at IS NOT NULL) = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at <= $5)
		ORDER BY created_at DESC
		LIMIT $6
	`
	rows, err := r.db.Query(ctx, query,
		string(filter.QueueType),
		filter.ManualReviewRequired,
		filter.Resolved,
		filter.From,
		filter.To,
		filter.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	records := make([]domain.DeadLetterRecord, 0)
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return records, nil
}

// ResolveDeadLetter stores res on an unresolved record and inserts spawn, if
// any, in the same transaction.
func (r *Repository) ResolveDeadLetter(ctx context.Context, id string, res deadletter.Resolution, spawn *domain.Message) (*domain.DeadLetterRecord, error) {
	if uuid.Validate(id) != nil {
		return nil, deadletter.ErrRecordNotFound
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer r.rollback(ctx, tx)

	var resolvedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT resolved_at FROM dead_letter_records WHERE id = $1 FOR UPDATE`, id,
	).Scan(&resolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, deadletter.ErrRecordNotFound
		}
		return nil, fmt.Errorf("lock dead letter: %w", err)
	}
	if resolvedAt != nil {
		return nil, deadletter.ErrAlreadyResolved
	}

	var retriedID *string
	if spawn != nil {
		if err := insertMessage(ctx, tx, spawn); err != nil {
			return nil, err
		}
		retriedID = &spawn.ID
	}

	var notes *string
	if res.Notes != "" {
		notes = &res.Notes
	}

	query := `
		UPDATE dead_letter_records
		SET resolution_action = $2, resolved_at = $3, resolved_by = $4,
		    resolution_notes = $5, retried_message_id = $6
		WHERE id = $1
		RETURNING ` + deadLetterColumns
	rec, err := scanDeadLetter(tx.QueryRow(ctx, query,
		id,
		string(res.Action),
		res.ResolvedAt,
		res.ResolvedBy,
		notes,
		retriedID,
	))
	if err != nil {
		return nil, fmt.Errorf("resolve dead letter: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE messages SET updated_at = $2 WHERE id = $1`, rec.MessageID, res.ResolvedAt,
	); err != nil {
		return nil, fmt.Errorf("touch original message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, nil
}

