// Package postgres provides the PostgreSQL implementation of every queue repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/jobqueue/internal/aggregator"
	"github.com/bissquit/jobqueue/internal/archive"
	"github.com/bissquit/jobqueue/internal/deadletter"
	"github.com/bissquit/jobqueue/internal/dispatch"
	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/bissquit/jobqueue/internal/templates"
	"github.com/bissquit/jobqueue/internal/worker"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ queue.Repository      = (*Repository)(nil)
	_ dispatch.ClaimStore   = (*Repository)(nil)
	_ worker.Store          = (*Repository)(nil)
	_ deadletter.Repository = (*Repository)(nil)
	_ aggregator.Repository = (*Repository)(nil)
	_ templates.Repository  = (*Repository)(nil)
	_ archive.Repository    = (*Repository)(nil)
)

const uniqueViolation = "23505"

const messageColumns = `
	id, idempotency_key, content_hash, queue_type, priority, status, task_name,
	args, kwargs, source, correlation_id, scheduled_for, expires_at, attempts,
	max_retries, retry_delay_ms, started_at, completed_at, worker_id,
	error_message, traceback, failed_at, permanent_failure, created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Repository implements the queue repositories using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *Repository) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Error("failed to rollback transaction", "error", err)
	}
}

// CreateMessage inserts m. An idempotency key held by an unexpired message
// makes it a no-op that reports the holder; an expired holder loses its key.
func (r *Repository) CreateMessage(ctx context.Context, m *domain.Message, now time.Time) (queue.CreateResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return queue.CreateResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer r.rollback(ctx, tx)

	if m.IdempotencyKey != nil {
		var holderID string
		var expiresAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT id, expires_at FROM messages WHERE idempotency_key = $1 FOR UPDATE`,
			*m.IdempotencyKey,
		).Scan(&holderID, &expiresAt)
		switch {
		case err == nil:
			if expiresAt == nil || now.Before(*expiresAt) {
				return queue.CreateResult{ID: holderID, Duplicate: true}, nil
			}
			if _, err := tx.Exec(ctx,
				`UPDATE messages SET idempotency_key = NULL, updated_at = $2 WHERE id = $1`,
				holderID, now,
			); err != nil {
				return queue.CreateResult{}, fmt.Errorf("release idempotency key: %w", err)
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return queue.CreateResult{}, fmt.Errorf("find idempotency holder: %w", err)
		}
	}

	if err := insertMessage(ctx, tx, m); err != nil {
		var pgErr *pgconn.PgError
		if m.IdempotencyKey != nil && errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// A concurrent enqueue took the key between the lookup and the insert.
			r.rollback(ctx, tx)
			var holderID string
			if err := r.db.QueryRow(ctx,
				`SELECT id FROM messages WHERE idempotency_key = $1`, *m.IdempotencyKey,
			).Scan(&holderID); err != nil {
				return queue.CreateResult{}, fmt.Errorf("find idempotency holder: %w", err)
			}
			return queue.CreateResult{ID: holderID, Duplicate: true}, nil
		}
		return queue.CreateResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return queue.CreateResult{}, fmt.Errorf("commit transaction: %w", err)
	}
	return queue.CreateResult{ID: m.ID}, nil
}

func insertMessage(ctx context.Context, q querier, m *domain.Message) error {
	args, err := json.Marshal(nonNilArgs(m.Args))
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	kwargs, err := json.Marshal(nonNilKwargs(m.Kwargs))
	if err != nil {
		return fmt.Errorf("encode kwargs: %w", err)
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	`
	_, err = q.Exec(ctx, query,
		m.ID,
		m.IdempotencyKey,
		m.ContentHash,
		string(m.QueueType),
		int16(m.Priority),
		string(m.Status),
		m.TaskName,
		args,
		kwargs,
		m.Source,
		m.CorrelationID,
		m.ScheduledFor,
		m.ExpiresAt,
		m.Attempts,
		m.MaxRetries,
		m.RetryDelay.Milliseconds(),
		m.StartedAt,
		m.CompletedAt,
		m.WorkerID,
		m.ErrorMessage,
		m.Traceback,
		m.FailedAt,
		m.PermanentFailure,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func scanMessage(row scanner) (*domain.Message, error) {
	var (
		m                 domain.Message
		queueType, status string
		priority          int16
		args, kwargs      []byte
		retryDelayMS      int64
	)
	err := row.Scan(
		&m.ID,
		&m.IdempotencyKey,
		&m.ContentHash,
		&queueType,
		&priority,
		&status,
		&m.TaskName,
		&args,
		&kwargs,
		&m.Source,
		&m.CorrelationID,
		&m.ScheduledFor,
		&m.ExpiresAt,
		&m.Attempts,
		&m.MaxRetries,
		&retryDelayMS,
		&m.StartedAt,
		&m.CompletedAt,
		&m.WorkerID,
		&m.ErrorMessage,
		&m.Traceback,
		&m.FailedAt,
		&m.PermanentFailure,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.QueueType = domain.QueueType(queueType)
	m.Priority = domain.Priority(priority)
	m.Status = domain.MessageStatus(status)
	m.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	if err := json.Unmarshal(args, &m.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal(kwargs, &m.Kwargs); err != nil {
		return nil, fmt.Errorf("decode kwargs: %w", err)
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]domain.Message, error) {
	defer rows.Close()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// GetMessage retrieves a message by ID.
func (r *Repository) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	if uuid.Validate(id) != nil {
		return nil, queue.ErrMessageNotFound
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessages retrieves messages matching filter, newest first.
func (r *Repository) ListMessages(ctx context.Context, filter queue.ListFilter) ([]domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE ($1 = '' OR queue_type = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR correlation_id = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query,
		string(filter.QueueType),
		string(filter.Status),
		filter.CorrelationID,
		filter.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

// CancelMessage moves a PENDING or RETRYING message to CANCELLED.
func (r *Repository) CancelMessage(ctx context.Context, id string, now time.Time) (*domain.Message, error) {
	if uuid.Validate(id) != nil {
		return nil, queue.ErrMessageNotFound
	}
	query := `
		UPDATE messages
		SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'retrying')
		RETURNING ` + messageColumns
	m, err := scanMessage(r.db.QueryRow(ctx, query, id, now))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel message: %w", err)
	}
	err = r.guardMiss(ctx, id)
	if errors.Is(err, queue.ErrNotOwner) {
		return nil, queue.ErrCancelNotAllowed
	}
	return nil, err
}

// guardMiss explains why a guarded update touched no row.
func (r *Repository) guardMiss(ctx context.Context, id string) error {
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	if !exists {
		return queue.ErrMessageNotFound
	}
	return queue.ErrNotOwner
}

func nonNilArgs(args []json.RawMessage) []json.RawMessage {
	if args == nil {
		return []json.RawMessage{}
	}
	return args
}

func nonNilKwargs(kwargs map[string]json.RawMessage) map[string]json.RawMessage {
	if kwargs == nil {
		return map[string]json.RawMessage{}
	}
	return kwargs
}
