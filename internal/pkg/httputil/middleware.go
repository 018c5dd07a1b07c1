package httputil

import (
	"context"
	"net/http"
	"strings"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/ctxlog"
)

// CORSMiddleware answers preflight requests and sets CORS headers for the
// listed origins. "*" allows any origin without credentials.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")

			switch {
			case origin == "":
			case allowed[origin]:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			case allowed["*"]:
				h.Set("Access-Control-Allow-Origin", "*")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
				h.Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type callerKey struct{}

type caller struct {
	subject string
	role    domain.Role
}

// TokenValidator verifies a bearer token and returns its subject and role.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (subject string, role domain.Role, err error)
}

// AuthMiddleware rejects requests without a valid bearer token. The caller is
// stored in the request context and added to the request logger.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
				Error(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			subject, role, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				ctxlog.FromContext(r.Context()).Debug("token rejected", "error", err)
				Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), callerKey{}, caller{subject: subject, role: role})
			ctx, _ = ctxlog.With(ctx, "subject", subject, "role", string(role))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole responds 403 unless the caller's role is at least minRole.
func RequireRole(minRole domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := r.Context().Value(callerKey{}).(caller)
			if !ok {
				Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !c.role.HasPermission(minRole) {
				Error(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetSubject returns the authenticated subject, or "".
func GetSubject(ctx context.Context) string {
	c, _ := ctx.Value(callerKey{}).(caller)
	return c.subject
}
