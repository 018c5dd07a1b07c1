package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// PoolSource exposes the pools whose state is exported. Either may be nil.
type PoolSource struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

// RecordPools updates the pool gauges once.
func RecordPools(src PoolSource) {
	if src.DB != nil {
		stats := src.DB.Stat()
		DBPoolConnections.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
		DBPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
		DBPoolConnections.WithLabelValues("max").Set(float64(stats.MaxConns()))
	}
	if src.Redis != nil {
		stats := src.Redis.PoolStats()
		RedisPoolConnections.WithLabelValues("total").Set(float64(stats.TotalConns))
		RedisPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns))
	}
}

// CollectPools records pool state every interval until ctx is done.
func CollectPools(ctx context.Context, src PoolSource, interval time.Duration) {
	RecordPools(src)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RecordPools(src)
		}
	}
}
