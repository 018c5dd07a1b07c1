// Package redis provides Redis connection utilities.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotReady is returned when every connection attempt failed.
var ErrNotReady = errors.New("redis is not ready")

// Config contains Redis connection configuration.
type Config struct {
	URL             string
	ConnectTimeout  time.Duration
	ConnectAttempts int
	RetryInterval   time.Duration
}

// Connect parses the URL and pings the server, retrying on failure.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	attempts := max(cfg.ConnectAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			slog.Info("connected to redis", "attempts", attempt)
			return client, nil
		}
		_ = client.Close()

		if attempt < attempts {
			slog.Warn("failed to ping redis, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrNotReady, ctx.Err())
			case <-time.After(cfg.RetryInterval):
			}
		}
	}
	return nil, errors.Join(ErrNotReady, lastErr)
}
