package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/google/uuid"
)

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	QueueTypes   []domain.QueueType
	NumWorkers   int
	BatchSize    int
	PollInterval time.Duration
	// ShutdownTimeout bounds how long Stop waits for running handlers.
	// Zero waits for them to return.
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig returns default worker pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		QueueTypes:      domain.AllQueueTypes(),
		NumWorkers:      2,
		BatchSize:       10,
		PollInterval:    time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool polls the dispatcher and executes claimed messages.
type Pool struct {
	config   PoolConfig
	claimer  Claimer
	executor *Executor
	instance string

	// execCtx carries handler calls. It ignores the shutdown signal and is
	// cancelled only when Stop gives up waiting.
	execCtx context.Context
	abandon context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a new worker pool.
func NewPool(config PoolConfig, claimer Claimer, executor *Executor) *Pool {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Pool{
		config:   config,
		claimer:  claimer,
		executor: executor,
		instance: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		stopCh:   make(chan struct{}),
	}
}

// Start launches NumWorkers goroutines per queue type.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("starting worker pool",
		"instance", p.instance,
		"queue_types", p.config.QueueTypes,
		"workers_per_queue", p.config.NumWorkers,
		"batch_size", p.config.BatchSize,
		"poll_interval", p.config.PollInterval,
	)

	p.execCtx, p.abandon = context.WithCancel(context.WithoutCancel(ctx))

	for _, qt := range p.config.QueueTypes {
		for i := 0; i < p.config.NumWorkers; i++ {
			p.wg.Add(1)
			go p.run(ctx, qt, fmt.Sprintf("%s/%s/%d", p.instance, qt, i))
		}
	}
}

// Stop signals all workers and waits for in-flight messages to settle.
// Handlers still running after ShutdownTimeout are abandoned; their rows stay
// PROCESSING until the reaper reclaims them.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if p.config.ShutdownTimeout > 0 {
		timer := time.NewTimer(p.config.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			slog.Warn("abandoning in-flight messages", "instance", p.instance, "shutdown_timeout", p.config.ShutdownTimeout)
			p.cancelExec()
			<-done
		}
	} else {
		<-done
	}
	p.cancelExec()
	slog.Info("worker pool stopped", "instance", p.instance)
}

func (p *Pool) cancelExec() {
	if p.abandon != nil {
		p.abandon()
	}
}

// Run starts the pool and blocks until ctx is done, then stops it.
func (p *Pool) Run(ctx context.Context) error {
	p.Start(ctx)
	<-ctx.Done()
	p.Stop()
	return nil
}

func (p *Pool) run(ctx context.Context, queueType domain.QueueType, workerID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			// A full batch means more work is likely waiting; poll again at once.
			for p.processBatch(ctx, queueType, workerID) == p.config.BatchSize {
				if p.stopping(ctx) {
					return
				}
			}
		}
	}
}

func (p *Pool) processBatch(ctx context.Context, queueType domain.QueueType, workerID string) int {
	msgs, err := p.claimer.SelectBatch(ctx, queueType, p.config.BatchSize, workerID)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to claim messages", "worker_id", workerID, "queue_type", queueType, "error", err)
		}
		return 0
	}

	// Claimed rows are already PROCESSING, so the batch runs to the end even
	// when a stop arrives mid-way.
	for i := range msgs {
		if _, err := p.executor.Execute(p.execCtx, &msgs[i]); err != nil {
			slog.Error("failed to record task outcome",
				"worker_id", workerID,
				"message_id", msgs[i].ID,
				"error", err,
			)
		}
	}
	return len(msgs)
}

func (p *Pool) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-p.stopCh:
		return true
	default:
		return false
	}
}
