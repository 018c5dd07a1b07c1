package aggregator

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// DefaultLookback is used when a query has no from parameter.
const DefaultLookback = time.Hour

// Handler serves stored snapshots.
type Handler struct {
	aggregator *Aggregator
}

// NewHandler creates a new metrics read handler.
func NewHandler(a *Aggregator) *Handler {
	return &Handler{aggregator: a}
}

// RegisterRoutes registers read routes (viewer role).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/queue-metrics", h.List)
}

// SnapshotResponse is the API view of a snapshot. Durations are milliseconds.
type SnapshotResponse struct {
	ID                  string           `json:"id"`
	QueueType           domain.QueueType `json:"queue_type"`
	Timestamp           time.Time        `json:"timestamp"`
	PendingCount        int              `json:"pending_count"`
	ProcessingCount     int              `json:"processing_count"`
	RetryingCount       int              `json:"retrying_count"`
	CompletedCount      int              `json:"completed_count"`
	FailedCount         int              `json:"failed_count"`
	DeadLetterCount     int              `json:"dead_letter_count"`
	AvgProcessingTimeMS int64            `json:"avg_processing_time_ms"`
	MaxProcessingTimeMS int64            `json:"max_processing_time_ms"`
	ThroughputPerMinute float64          `json:"throughput_per_minute"`
	ErrorRate           float64          `json:"error_rate"`
	RetryRate           float64          `json:"retry_rate"`
	ActiveWorkers       int              `json:"active_workers"`
	BacklogWarning      bool             `json:"backlog_warning"`
}

// NewSnapshotResponse converts a snapshot to its API view.
func NewSnapshotResponse(s *domain.QueueMetricsSnapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:                  s.ID,
		QueueType:           s.QueueType,
		Timestamp:           s.Timestamp,
		PendingCount:        s.PendingCount,
		ProcessingCount:     s.ProcessingCount,
		RetryingCount:       s.RetryingCount,
		CompletedCount:      s.CompletedCount,
		FailedCount:         s.FailedCount,
		DeadLetterCount:     s.DeadLetterCount,
		AvgProcessingTimeMS: s.AvgProcessingTime.Milliseconds(),
		MaxProcessingTimeMS: s.MaxProcessingTime.Milliseconds(),
		ThroughputPerMinute: s.ThroughputPerMinute,
		ErrorRate:           s.ErrorRate,
		RetryRate:           s.RetryRate,
		ActiveWorkers:       s.ActiveWorkers,
		BacklogWarning:      s.BacklogWarning,
	}
}

// List handles GET /queue-metrics request.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	queueType := domain.QueueType(q.Get("queue_type"))
	if !queueType.Valid() {
		httputil.Error(w, http.StatusBadRequest, "queue_type is required and must be a known queue type")
		return
	}

	to := time.Now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		to = t
	}
	from := to.Add(-DefaultLookback)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		from = t
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	snaps, err := h.aggregator.Snapshots(r.Context(), queueType, from, to, limit)
	if err != nil {
		if errors.Is(err, ErrInvalidRange) {
			httputil.Error(w, http.StatusBadRequest, "to must not be before from")
			return
		}
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}

	out := make([]SnapshotResponse, 0, len(snaps))
	for i := range snaps {
		out = append(out, NewSnapshotResponse(&snaps[i]))
	}
	httputil.Success(w, http.StatusOK, out)
}
