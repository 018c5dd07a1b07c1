// Package httputil holds the JSON envelope, error mapping and middleware
// shared by the API handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// FieldError is implemented by domain validation errors that name the
// offending input field.
type FieldError interface {
	error
	FieldReason() (field, reason string)
}

// JSON writes data without the envelope. Used by probes and /version.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, data)
}

// Text writes a plain text body.
func Text(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// Success writes {"data": ...}.
func Success(w http.ResponseWriter, status int, data any) {
	write(w, status, map[string]any{"data": data})
}

// Error writes {"error": {"message": ...}}.
func Error(w http.ResponseWriter, status int, message string) {
	write(w, status, errorBody{Error: errorDetail{Message: message}})
}

// ValidationError writes a 400 whose details list the failing fields.
// validator.ValidationErrors and FieldError produce field lists; any other
// error is reported as a string.
func ValidationError(w http.ResponseWriter, err error) {
	write(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Message: err.Error(),
		Details: validationDetails(err),
	}})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type fieldDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func validationDetails(err error) any {
	var fe FieldError
	if errors.As(err, &fe) {
		if field, reason := fe.FieldReason(); field != "" {
			return []fieldDetail{{Field: field, Message: reason}}
		}
	}

	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		out := make([]fieldDetail, 0, len(ve))
		for _, e := range ve {
			out = append(out, fieldDetail{Field: e.Field(), Message: e.Tag()})
		}
		return out
	}
	return err.Error()
}

func write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
