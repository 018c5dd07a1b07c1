package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/ctxlog"
	"github.com/bissquit/jobqueue/internal/queue"
)

// Guard runs fn only on the instance that holds the named lease.
type Guard interface {
	Do(ctx context.Context, name string, fn func(context.Context) error) error
}

// ReaperConfig contains reaper configuration.
type ReaperConfig struct {
	Interval        time.Duration
	LivenessTimeout time.Duration
	SettleAfter     time.Duration
	BatchSize       int
}

// DefaultReaperConfig returns default reaper configuration.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:        30 * time.Second,
		LivenessTimeout: 10 * time.Minute,
		SettleAfter:     time.Minute,
		BatchSize:       100,
	}
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Orphaned int
	Settled  int
	Expired  int
}

// Reaper recovers messages whose worker stopped reporting.
type Reaper struct {
	config   ReaperConfig
	store    Store
	executor *Executor
	dlq      Quarantiner
	guard    Guard
	now      func() time.Time
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithGuard restricts sweeps to the lease holder.
func WithGuard(g Guard) ReaperOption {
	return func(r *Reaper) {
		r.guard = g
	}
}

// WithReaperClock overrides time.Now.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		r.now = now
	}
}

// NewReaper creates a reaper. The executor applies the retry policy to
// reclaimed messages so orphans consume one attempt like any failure.
func NewReaper(config ReaperConfig, store Store, executor *Executor, dlq Quarantiner, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		config:   config,
		store:    store,
		executor: executor,
		dlq:      dlq,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	slog.Info("starting reaper",
		"interval", r.config.Interval,
		"liveness_timeout", r.config.LivenessTimeout,
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopped")
			return nil
		case <-ticker.C:
			err := r.guarded(ctx, func(ctx context.Context) error {
				res, err := r.Sweep(ctx)
				if res.Orphaned+res.Settled+res.Expired > 0 {
					slog.Info("reaper sweep",
						"orphaned", res.Orphaned,
						"settled", res.Settled,
						"expired", res.Expired,
					)
				}
				return err
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("reaper sweep failed", "error", err)
			}
		}
	}
}

func (r *Reaper) guarded(ctx context.Context, fn func(context.Context) error) error {
	if r.guard == nil {
		return fn(ctx)
	}
	return r.guard.Do(ctx, "reaper", fn)
}

// Sweep runs one pass: reclaim orphans, settle stale failures, dead-letter
// expired messages that were never claimed.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error
	now := r.now().UTC()

	orphans, err := r.store.ListOrphaned(ctx, now.Add(-r.config.LivenessTimeout), r.config.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list orphaned: %w", err))
	}
	for i := range orphans {
		m := &orphans[i]
		owner := ""
		if m.WorkerID != nil {
			owner = *m.WorkerID
		}
		mctx, _ := ctxlog.With(ctx, "message_id", m.ID)
		outcome, err := r.executor.Fail(mctx, m.ID, owner, queue.NewTransientError(queue.ErrOrphaned), "")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if outcome != OutcomeLost {
			res.Orphaned++
			reaperActions.WithLabelValues("orphaned").Inc()
			slog.Warn("reclaimed orphaned message", "message_id", m.ID, "worker_id", owner, "outcome", outcome.String())
		}
	}

	stale, err := r.store.ListStaleFailed(ctx, now.Add(-r.config.SettleAfter), r.config.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list stale failed: %w", err))
	}
	for i := range stale {
		m := &stale[i]
		mctx, _ := ctxlog.With(ctx, "message_id", m.ID)
		outcome, err := r.executor.Settle(mctx, m, m.PermanentFailure)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if outcome != OutcomeLost {
			res.Settled++
			reaperActions.WithLabelValues("settled").Inc()
		}
	}

	expired, err := r.store.ListExpired(ctx, now, r.config.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list expired: %w", err))
	}
	for i := range expired {
		m := &expired[i]
		if _, err := r.dlq.Quarantine(ctx, m, domain.ReasonExpired, now); err != nil {
			if errors.Is(err, queue.ErrNotOwner) {
				continue
			}
			errs = append(errs, fmt.Errorf("quarantine expired %s: %w", m.ID, err))
			continue
		}
		res.Expired++
		reaperActions.WithLabelValues("expired").Inc()
	}

	return res, errors.Join(errs...)
}
