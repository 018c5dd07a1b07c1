package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/ctxlog"
	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/bissquit/jobqueue/internal/retry"
)

// Outcome is how one execution settled.
type Outcome int

// Outcomes.
const (
	OutcomeCompleted Outcome = iota + 1
	OutcomeRetrying
	OutcomeDeadLettered
	// OutcomeLost means the worker no longer owned the row when reporting.
	OutcomeLost
	// OutcomeAbandoned means the handler was given up at shutdown and the
	// row was left PROCESSING for the reaper.
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeLost:
		return "lost"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// DefaultTaskTimeout bounds a handler call when no timeout is configured.
const DefaultTaskTimeout = 5 * time.Minute

// Executor runs a claimed message through its handler and records the outcome.
type Executor struct {
	store    Store
	registry *Registry
	dlq      Quarantiner
	policy   retry.Policy
	timeout  time.Duration
	now      func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTaskTimeout sets the per-message handler timeout.
func WithTaskTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithPolicy overrides the retry policy.
func WithPolicy(p retry.Policy) ExecutorOption {
	return func(e *Executor) {
		e.policy = p
	}
}

// WithExecutorClock overrides time.Now.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates an executor.
func NewExecutor(store Store, registry *Registry, dlq Quarantiner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:    store,
		registry: registry,
		dlq:      dlq,
		policy:   retry.DefaultPolicy(),
		timeout:  DefaultTaskTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute invokes the handler for a PROCESSING message owned by m.WorkerID.
// Handler failures are recorded on the message and never returned; the
// returned error is only for persistence failures.
//
// Cancelling ctx abandons the execution without recording anything: only the
// task timeout counts as a failed attempt. Callers that must not abandon work
// on shutdown pass a context detached from it.
func (e *Executor) Execute(ctx context.Context, m *domain.Message) (Outcome, error) {
	workerID := ""
	if m.WorkerID != nil {
		workerID = *m.WorkerID
	}
	ctx, logger := ctxlog.With(ctx,
		"message_id", m.ID,
		"task_name", m.TaskName,
		"worker_id", workerID,
		"attempt", m.Attempts,
	)

	if ctx.Err() != nil {
		logger.Warn("message left for the reaper", "reason", "not started before shutdown")
		recordTask(string(m.QueueType), m.TaskName, OutcomeAbandoned, 0)
		return OutcomeAbandoned, nil
	}

	start := time.Now()
	res := e.invoke(ctx, m)
	duration := time.Since(start)

	if res.abandoned {
		logger.Warn("message left for the reaper", "reason", "handler still running at shutdown", "duration", duration)
		recordTask(string(m.QueueType), m.TaskName, OutcomeAbandoned, duration)
		return OutcomeAbandoned, nil
	}

	// A cancellation arriving after the handler returned must not lose the outcome.
	ctx = context.WithoutCancel(ctx)

	var outcome Outcome
	var err error
	if res.err == nil {
		outcome, err = e.complete(ctx, m.ID, workerID)
	} else {
		logger.Warn("task failed",
			"max_retries", m.MaxRetries,
			"permanent", queue.IsPermanent(res.err),
			"error", res.err,
		)
		outcome, err = e.Fail(ctx, m.ID, workerID, res.err, res.traceback)
	}

	recordTask(string(m.QueueType), m.TaskName, outcome, duration)
	if err == nil {
		logger.Debug("task settled", "outcome", outcome.String(), "duration", duration)
	}
	return outcome, err
}

// Fail records a failed attempt on a PROCESSING message and applies the retry policy.
func (e *Executor) Fail(ctx context.Context, id, workerID string, cause error, traceback string) (Outcome, error) {
	permanent := queue.IsPermanent(cause)
	failed, err := e.store.MarkFailed(ctx, id, workerID, Failure{
		ErrorMessage: cause.Error(),
		Traceback:    traceback,
		Permanent:    permanent,
	}, e.now().UTC())
	if err != nil {
		return e.lost(ctx, id, "mark failed", err)
	}
	return e.Settle(ctx, failed, permanent)
}

// Settle applies the retry policy to a FAILED message. The logger in ctx is
// expected to carry the message id.
func (e *Executor) Settle(ctx context.Context, m *domain.Message, permanent bool) (Outcome, error) {
	now := e.now().UTC()
	decision, err := e.policy.Decide(retry.InputFor(m, permanent, now))
	if err != nil {
		return 0, fmt.Errorf("decide retry for %s: %w", m.ID, err)
	}

	logger := ctxlog.FromContext(ctx)
	switch decision.Action {
	case retry.ActionRetry:
		if err := e.store.ScheduleRetry(ctx, m.ID, decision.ScheduledFor, now); err != nil {
			return e.lost(ctx, m.ID, "schedule retry", err)
		}
		logger.Info("task scheduled for retry",
			"attempts", m.Attempts,
			"delay", decision.Delay,
			"scheduled_for", decision.ScheduledFor,
		)
		return OutcomeRetrying, nil

	default:
		rec, err := e.dlq.Quarantine(ctx, m, decision.Reason, now)
		if err != nil {
			return e.lost(ctx, m.ID, "quarantine", err)
		}
		logger.Warn("task dead-lettered",
			"reason", decision.Reason,
			"total_attempts", rec.TotalAttempts,
			"dead_letter_id", rec.ID,
		)
		return OutcomeDeadLettered, nil
	}
}

func (e *Executor) complete(ctx context.Context, id, workerID string) (Outcome, error) {
	if err := e.store.MarkCompleted(ctx, id, workerID, e.now().UTC()); err != nil {
		return e.lost(ctx, id, "mark completed", err)
	}
	return OutcomeCompleted, nil
}

// lost turns an ownership miss into OutcomeLost. Another actor (the reaper or
// a cancellation) already moved the row, so there is nothing left to record.
func (e *Executor) lost(ctx context.Context, id, op string, err error) (Outcome, error) {
	if errors.Is(err, queue.ErrNotOwner) || errors.Is(err, queue.ErrMessageNotFound) {
		ctxlog.FromContext(ctx).Warn("message ownership lost", "op", op, "error", err)
		return OutcomeLost, nil
	}
	return OutcomeLost, fmt.Errorf("%s %s: %w", op, id, err)
}

type result struct {
	err       error
	traceback string
	// abandoned is set when ctx was cancelled before the handler returned.
	abandoned bool
}

// invoke calls the handler under the task timeout. A handler that does not
// return in time is abandoned and the attempt counts as a transient failure.
// A handler cut off by ctx itself is abandoned without a verdict.
func (e *Executor) invoke(ctx context.Context, m *domain.Message) result {
	h, ok := e.registry.Lookup(m.TaskName)
	if !ok {
		return result{err: queue.NewPermanentError(fmt.Errorf("%w: %s", queue.ErrHandlerNotFound, m.TaskName))}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{
					err:       queue.NewTransientError(fmt.Errorf("handler panicked: %v", p)),
					traceback: string(debug.Stack()),
				}
			}
		}()
		done <- result{err: h.Execute(runCtx, m.Args, m.Kwargs)}
	}()

	select {
	case r := <-done:
		// An error returned after runCtx ended is the cut-off itself.
		if r.err == nil || runCtx.Err() == nil {
			return r
		}
	case <-runCtx.Done():
	}

	if ctx.Err() != nil {
		return result{abandoned: true}
	}
	ctxlog.FromContext(ctx).Warn("handler abandoned after timeout", "timeout", e.timeout)
	return result{err: queue.NewTransientError(fmt.Errorf("handler timed out after %s: %w", e.timeout, runCtx.Err()))}
}
