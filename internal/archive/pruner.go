// Package archive removes terminal messages after their audit window,
// optionally writing them to object storage first.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/google/uuid"
)

// Repository selects and deletes prunable messages.
type Repository interface {
	// ListPrunable returns COMPLETED and CANCELLED messages, and DEAD_LETTER
	// messages whose dead-letter record is resolved, updated before `before`.
	ListPrunable(ctx context.Context, before time.Time, limit int) ([]domain.Message, error)
	DeleteMessages(ctx context.Context, ids []string) (int64, error)
}

// Sink stores an archived batch.
type Sink interface {
	Write(ctx context.Context, key string, body []byte) error
}

// Guard runs fn only on the instance that holds the named lease.
type Guard interface {
	Do(ctx context.Context, name string, fn func(context.Context) error) error
}

// Config contains pruner configuration.
type Config struct {
	Interval  time.Duration
	Retention time.Duration
	BatchSize int
	Prefix    string
}

// DefaultConfig returns default pruner configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Hour,
		Retention: 7 * 24 * time.Hour,
		BatchSize: 500,
		Prefix:    "messages",
	}
}

// Pruner archives and deletes terminal messages.
type Pruner struct {
	config Config
	repo   Repository
	sink   Sink
	guard  Guard
	now    func() time.Time
}

// Option configures a Pruner.
type Option func(*Pruner)

// WithSink archives batches before deleting them.
func WithSink(s Sink) Option {
	return func(p *Pruner) {
		p.sink = s
	}
}

// WithGuard restricts pruning to the lease holder.
func WithGuard(g Guard) Option {
	return func(p *Pruner) {
		p.guard = g
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pruner) {
		p.now = now
	}
}

// NewPruner creates a pruner. Without a sink, batches are only deleted.
func NewPruner(config Config, repo Repository, opts ...Option) *Pruner {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	p := &Pruner{config: config, repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run prunes every Interval until ctx is done.
func (p *Pruner) Run(ctx context.Context) error {
	slog.Info("starting archiver",
		"interval", p.config.Interval,
		"retention", p.config.Retention,
		"sink", p.sink != nil,
	)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("archiver stopped")
			return nil
		case <-ticker.C:
			var err error
			if p.guard != nil {
				err = p.guard.Do(ctx, "archiver", func(ctx context.Context) error {
					_, err := p.Prune(ctx)
					return err
				})
			} else {
				_, err = p.Prune(ctx)
			}
			if err != nil && ctx.Err() == nil {
				slog.Error("archive run failed", "error", err)
			}
		}
	}
}

// Prune processes batches until none is left and returns the number of
// deleted messages. A batch is deleted only after the sink accepted it.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	before := p.now().UTC().Add(-p.config.Retention)
	total := 0

	for {
		msgs, err := p.repo.ListPrunable(ctx, before, p.config.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list prunable: %w", err)
		}
		if len(msgs) == 0 {
			return total, nil
		}

		if p.sink != nil {
			body, err := EncodeBatch(msgs)
			if err != nil {
				return total, err
			}
			key := BatchKey(p.config.Prefix, p.now().UTC(), uuid.NewString())
			if err := p.sink.Write(ctx, key, body); err != nil {
				return total, fmt.Errorf("archive batch: %w", err)
			}
			slog.Debug("archived batch", "key", key, "count", len(msgs))
		}

		ids := make([]string, 0, len(msgs))
		for i := range msgs {
			ids = append(ids, msgs[i].ID)
		}
		n, err := p.repo.DeleteMessages(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("delete batch: %w", err)
		}
		total += int(n)
		messagesPruned.Add(float64(n))

		if len(msgs) < p.config.BatchSize {
			return total, nil
		}
	}
}

// BatchKey returns prefix/YYYY/MM/DD/<id>.jsonl.
func BatchKey(prefix string, now time.Time, id string) string {
	return path.Join(prefix, now.Format("2006/01/02"), id+".jsonl")
}

// EncodeBatch renders messages as JSON Lines.
func EncodeBatch(msgs []domain.Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range msgs {
		if err := enc.Encode(queue.NewMessageResponse(&msgs[i])); err != nil {
			return nil, fmt.Errorf("encode message %s: %w", msgs[i].ID, err)
		}
	}
	return buf.Bytes(), nil
}
