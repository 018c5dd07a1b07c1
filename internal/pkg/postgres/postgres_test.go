package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{9, 16 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), Config{URL: "://nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse database url")
}

func TestConnect_TimeoutStopsRetries(t *testing.T) {
	start := time.Now()
	_, err := Connect(context.Background(), Config{
		URL:             "postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1",
		ConnectAttempts: 10,
		ConnectTimeout:  300 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
