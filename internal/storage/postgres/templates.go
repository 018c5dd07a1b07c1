package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/templates"
	"github.com/jackc/pgx/v5"
)

const templateColumns = `
	template_name, queue_type, task_name, priority, max_retries, retry_delay_ms,
	required_fields, validation_schema, default_delay_ms, default_ttl_ms,
	created_at, updated_at`

func scanTemplate(row scanner) (*domain.TaskTemplate, error) {
	var (
		t                                domain.TaskTemplate
		queueType                        string
		priority                         int16
		retryDelayMS, delayMS, ttlMS     int64
		requiredFields, validationSchema []byte
	)
	err := row.Scan(
		&t.TemplateName,
		&queueType,
		&t.TaskName,
		&priority,
		&t.MaxRetries,
		&retryDelayMS,
		&requiredFields,
		&validationSchema,
		&delayMS,
		&ttlMS,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.QueueType = domain.QueueType(queueType)
	t.Priority = domain.Priority(priority)
	t.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	t.DefaultDelay = time.Duration(delayMS) * time.Millisecond
	t.DefaultTTL = time.Duration(ttlMS) * time.Millisecond
	if err := json.Unmarshal(requiredFields, &t.RequiredFields); err != nil {
		return nil, fmt.Errorf("decode required_fields: %w", err)
	}
	if err := json.Unmarshal(validationSchema, &t.ValidationSchema); err != nil {
		return nil, fmt.Errorf("decode validation_schema: %w", err)
	}
	return &t, nil
}

// ListTemplates retrieves every template.
func (r *Repository) ListTemplates(ctx context.Context) ([]domain.TaskTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM task_templates ORDER BY queue_type, template_name`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	list := make([]domain.TaskTemplate, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		list = append(list, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return list, nil
}

// GetTemplate retrieves a template by name and queue type.
func (r *Repository) GetTemplate(ctx context.Context, name string, queueType domain.QueueType) (*domain.TaskTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM task_templates WHERE template_name = $1 AND queue_type = $2`
	t, err := scanTemplate(r.db.QueryRow(ctx, query, name, string(queueType)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, templates.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// UpsertTemplate inserts or replaces t. created_at of an existing row is kept.
func (r *Repository) UpsertTemplate(ctx context.Context, t *domain.TaskTemplate) error {
	required := t.RequiredFields
	if required == nil {
		required = []string{}
	}
	requiredJSON, err := json.Marshal(required)
	if err != nil {
		return fmt.Errorf("encode required_fields: %w", err)
	}
	schema := t.ValidationSchema
	if schema == nil {
		schema = map[string]string{}
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode validation_schema: %w", err)
	}

	query := `
		INSERT INTO task_templates (` + templateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (template_name, queue_type) DO UPDATE
		SET task_name = EXCLUDED.task_name,
		    priority = EXCLUDED.priority,
		    max_retries = EXCLUDED.max_retries,
		    retry_delay_ms = EXCLUDED.retry_delay_ms,
		    required_fields = EXCLUDED.required_fields,
		    validation_schema = EXCLUDED.validation_schema,
		    default_delay_ms = EXCLUDED.default_delay_ms,
		    default_ttl_ms = EXCLUDED.default_ttl_ms,
		    updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`
	err = r.db.QueryRow(ctx, query,
		t.TemplateName,
		string(t.QueueType),
		t.TaskName,
		int16(t.Priority),
		t.MaxRetries,
		t.RetryDelay.Milliseconds(),
		requiredJSON,
		schemaJSON,
		t.DefaultDelay.Milliseconds(),
		t.DefaultTTL.Milliseconds(),
		t.CreatedAt,
		t.UpdatedAt,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// DeleteTemplate deletes a template.
func (r *Repository) DeleteTemplate(ctx context.Context, name string, queueType domain.QueueType) error {
	result, err := r.db.Exec(ctx,
		`DELETE FROM task_templates WHERE template_name = $1 AND queue_type = $2`,
		name, string(queueType),
	)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if result.RowsAffected() == 0 {
		return templates.ErrTemplateNotFound
	}
	return nil
}
