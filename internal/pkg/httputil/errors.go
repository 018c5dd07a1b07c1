package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/jobqueue/internal/pkg/ctxlog"
)

// ErrorMapping binds a sentinel error to a response status.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // err.Error() when empty
}

// HandleError writes the response for err. Field errors become 400 with
// details, mapped sentinels use their status, a store timeout becomes 503,
// and anything else is logged and reported as 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	var fe FieldError
	if errors.As(err, &fe) {
		ValidationError(w, err)
		return
	}

	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		Error(w, m.Status, msg)
		return
	}

	logger := ctxlog.FromContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("request timed out", "error", err)
		Error(w, http.StatusServiceUnavailable, "request timed out")
		return
	}
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
