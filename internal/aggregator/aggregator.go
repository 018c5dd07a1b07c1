package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/google/uuid"
)

// ErrInvalidRange is returned when a snapshot query has to before from.
var ErrInvalidRange = errors.New("invalid time range")

// Config contains aggregator configuration.
type Config struct {
	QueueTypes       []domain.QueueType
	Interval         time.Duration
	BacklogThreshold int
	Retention        time.Duration
}

// DefaultConfig returns default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		QueueTypes:       domain.AllQueueTypes(),
		Interval:         time.Minute,
		BacklogThreshold: 1000,
		Retention:        30 * 24 * time.Hour,
	}
}

// Guard runs fn only on the instance that holds the named lease.
type Guard interface {
	Do(ctx context.Context, name string, fn func(context.Context) error) error
}

// Aggregator writes one snapshot per queue type every interval.
type Aggregator struct {
	config Config
	repo   Repository
	guard  Guard
	now    func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithGuard restricts collection to the lease holder.
func WithGuard(g Guard) Option {
	return func(a *Aggregator) {
		a.guard = g
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// New creates an aggregator.
func New(config Config, repo Repository, opts ...Option) *Aggregator {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if len(config.QueueTypes) == 0 {
		config.QueueTypes = domain.AllQueueTypes()
	}
	a := &Aggregator{config: config, repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run collects every Interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	slog.Info("starting metrics aggregator",
		"interval", a.config.Interval,
		"backlog_threshold", a.config.BacklogThreshold,
	)

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("metrics aggregator stopped")
			return nil
		case <-ticker.C:
			err := a.guarded(ctx, func(ctx context.Context) error {
				if _, err := a.Collect(ctx); err != nil {
					return err
				}
				return a.prune(ctx)
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("metrics collection failed", "error", err)
			}
		}
	}
}

func (a *Aggregator) guarded(ctx context.Context, fn func(context.Context) error) error {
	if a.guard == nil {
		return fn(ctx)
	}
	return a.guard.Do(ctx, "aggregator", fn)
}

// Collect writes one snapshot per configured queue type and returns them.
// A failing queue type does not stop the others.
func (a *Aggregator) Collect(ctx context.Context) ([]domain.QueueMetricsSnapshot, error) {
	now := a.now().UTC()
	windowStart := now.Add(-a.config.Interval)

	var errs []error
	out := make([]domain.QueueMetricsSnapshot, 0, len(a.config.QueueTypes))
	for _, qt := range a.config.QueueTypes {
		stats, err := a.repo.CollectQueueStats(ctx, qt, windowStart, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("collect %s: %w", qt, err))
			continue
		}

		snap := BuildSnapshot(qt, stats, a.config.Interval, a.config.BacklogThreshold, now)
		if err := a.repo.InsertSnapshot(ctx, &snap); err != nil {
			errs = append(errs, fmt.Errorf("insert snapshot %s: %w", qt, err))
			continue
		}

		exportSnapshot(&snap)
		if snap.BacklogWarning {
			slog.Warn("queue backlog above threshold",
				"queue_type", qt,
				"pending", snap.PendingCount,
				"threshold", a.config.BacklogThreshold,
			)
		}
		out = append(out, snap)
	}
	return out, errors.Join(errs...)
}

func (a *Aggregator) prune(ctx context.Context) error {
	if a.config.Retention <= 0 {
		return nil
	}
	n, err := a.repo.PruneSnapshots(ctx, a.now().UTC().Add(-a.config.Retention))
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	if n > 0 {
		slog.Debug("pruned metrics snapshots", "count", n)
	}
	return nil
}

// Snapshots returns stored snapshots of queueType with timestamp in [from, to].
func (a *Aggregator) Snapshots(ctx context.Context, queueType domain.QueueType, from, to time.Time, limit int) ([]domain.QueueMetricsSnapshot, error) {
	if to.Before(from) {
		return nil, ErrInvalidRange
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return a.repo.ListSnapshots(ctx, SnapshotFilter{QueueType: queueType, From: from, To: to, Limit: limit})
}

// BuildSnapshot derives rates from raw stats. It performs no I/O.
func BuildSnapshot(queueType domain.QueueType, s QueueStats, window time.Duration, backlogThreshold int, now time.Time) domain.QueueMetricsSnapshot {
	snap := domain.QueueMetricsSnapshot{
		ID:                uuid.New().String(),
		QueueType:         queueType,
		Timestamp:         now,
		PendingCount:      s.Pending,
		ProcessingCount:   s.Processing,
		RetryingCount:     s.Retrying,
		CompletedCount:    s.Completed,
		FailedCount:       s.Failed,
		DeadLetterCount:   s.DeadLetter,
		AvgProcessingTime: s.AvgProcessingTime,
		MaxProcessingTime: s.MaxProcessingTime,
		ErrorRate:         ratio(s.Failed, s.Failed+s.Completed),
		RetryRate:         ratio(s.Retrying, s.Retrying+s.Completed),
		ActiveWorkers:     s.ActiveWorkers,
		BacklogWarning:    backlogThreshold > 0 && s.Pending > backlogThreshold,
	}
	if minutes := window.Minutes(); minutes > 0 {
		snap.ThroughputPerMinute = float64(s.Completed) / minutes
	}
	return snap
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
