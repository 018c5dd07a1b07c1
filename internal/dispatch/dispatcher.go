// Package dispatch claims eligible messages for workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/ctxlog"
	"golang.org/x/time/rate"
)

// ErrInvalidBatch is returned for a non-positive limit or unknown queue type.
var ErrInvalidBatch = errors.New("invalid batch request")

// ClaimParams describes one claim round.
type ClaimParams struct {
	QueueType domain.QueueType
	Limit     int
	WorkerID  string
	Now       time.Time
	// AgingThreshold promotes a message one priority tier per threshold it has
	// waited past scheduled_for. Zero disables aging.
	AgingThreshold time.Duration
}

// ClaimStore atomically claims eligible messages.
//
// ClaimBatch selects PENDING or RETRYING rows of the queue type with
// scheduled_for <= now that are not expired, orders them by effective
// priority descending then scheduled_for ascending, skips rows locked by
// another claimer, and moves them to PROCESSING with started_at=now,
// worker_id set and attempts incremented.
type ClaimStore interface {
	ClaimBatch(ctx context.Context, params ClaimParams) ([]domain.Message, error)
}

// Config holds dispatcher tuning.
type Config struct {
	AgingThreshold time.Duration
	// ClaimsPerSecond limits claim rounds per dispatcher. Zero means unlimited.
	ClaimsPerSecond float64
	MaxBatch        int
}

// Dispatcher hands out claimed messages.
type Dispatcher struct {
	store   ClaimStore
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// New creates a dispatcher.
func New(store ClaimStore, cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ClaimsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ClaimsPerSecond), 1)
	}
	d := &Dispatcher{
		store:   store,
		cfg:     cfg,
		limiter: limiter,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SelectBatch claims up to limit messages of queueType for workerID.
// Every returned message is PROCESSING and owned by workerID.
func (d *Dispatcher) SelectBatch(ctx context.Context, queueType domain.QueueType, limit int, workerID string) ([]domain.Message, error) {
	if !queueType.Valid() {
		return nil, fmt.Errorf("%w: unknown queue type %q", ErrInvalidBatch, queueType)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidBatch)
	}
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidBatch)
	}
	limit = min(limit, d.cfg.MaxBatch)

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	msgs, err := d.store.ClaimBatch(ctx, ClaimParams{
		QueueType:      queueType,
		Limit:          limit,
		WorkerID:       workerID,
		Now:            d.now().UTC(),
		AgingThreshold: d.cfg.AgingThreshold,
	})
	claimDuration.WithLabelValues(string(queueType)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	if len(msgs) > 0 {
		messagesClaimed.WithLabelValues(string(queueType)).Add(float64(len(msgs)))
		ctxlog.FromContext(ctx).Debug("claimed messages",
			"queue_type", queueType,
			"worker_id", workerID,
			"count", len(msgs),
		)
	}
	return msgs, nil
}

// EffectivePriority returns the priority used for ordering at now.
// A message gains one tier for every full threshold it has waited past
// scheduled_for, never exceeding critical.
func EffectivePriority(m *domain.Message, now time.Time, threshold time.Duration) domain.Priority {
	if threshold <= 0 {
		return m.Priority
	}
	waited := now.Sub(m.ScheduledFor)
	if waited < threshold {
		return m.Priority
	}
	boost := int64(waited / threshold)
	p := int64(m.Priority) + boost
	if p > int64(domain.PriorityCritical) {
		return domain.PriorityCritical
	}
	return domain.Priority(p)
}

// Less reports whether a must be claimed before b at now.
func Less(a, b *domain.Message, now time.Time, threshold time.Duration) bool {
	pa := EffectivePriority(a, now, threshold)
	pb := EffectivePriority(b, now, threshold)
	if pa != pb {
		return pa > pb
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
