// Package lease elects a single instance for periodic jobs using Redis keys
// with an expiry.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a lease lives without renewal.
const DefaultTTL = 30 * time.Second

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
	return 0
end`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end`)

// Key returns the redis key of the named lease.
func Key(name string) string {
	return "jobqueue:lease:" + name
}

// Manager acquires, renews and releases leases held by one instance.
type Manager struct {
	rdb    redis.Cmdable
	holder string
	ttl    time.Duration
}

// NewManager creates a lease manager. holder identifies this instance.
func NewManager(rdb redis.Cmdable, holder string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{rdb: rdb, holder: holder, ttl: ttl}
}

// Acquire takes the lease if nobody holds it.
func (m *Manager) Acquire(ctx context.Context, name string) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, Key(name), m.holder, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// Renew extends the lease if this instance still holds it.
func (m *Manager) Renew(ctx context.Context, name string) (bool, error) {
	n, err := renewScript.Run(ctx, m.rdb, []string{Key(name)}, m.holder, m.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", name, err)
	}
	return n == 1, nil
}

// Release drops the lease if this instance holds it.
func (m *Manager) Release(ctx context.Context, name string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.rdb, []string{Key(name)}, m.holder).Int()
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", name, err)
	}
	return n == 1, nil
}

// Do runs fn while holding the named lease. When another instance holds it,
// Do returns nil without running fn. The context passed to fn is cancelled
// if the lease is lost.
func (m *Manager) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	ok, err := m.Acquire(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		slog.Debug("lease held elsewhere, skipping", "lease", name)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				renewed, err := m.Renew(runCtx, name)
				if err != nil || !renewed {
					slog.Warn("lease lost", "lease", name, "error", err)
					cancel()
					return
				}
			}
		}
	}()

	err = fn(runCtx)
	close(done)

	if _, relErr := m.Release(context.WithoutCancel(ctx), name); relErr != nil {
		slog.Warn("failed to release lease", "lease", name, "error", relErr)
	}
	return err
}
