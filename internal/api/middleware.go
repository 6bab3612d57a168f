package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/frowell/flowforge/internal/tenant"
)

// LoggingMiddleware logs each request with method, path, status, and
// duration, in the same structured zap style used elsewhere in this engine.
func LoggingMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			log.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter captures the HTTP status for logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware catches a panic escaping a handler — a truly
// unreachable invariant violation, never an expected error path — logs it
// at error level, and responds with InternalInvariantViolation rather than
// letting net/http close the connection bare. The per-request goroutine
// isolation net/http already gives every handler means one panic never
// takes down the process; this just makes the client-visible behavior
// match that guarantee.
func RecoveryMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("internal_invariant_violation",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)
					http.Error(w, "InternalInvariantViolation", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

const bearerPrefix = "Bearer "

// TokenVerifier validates a raw bearer token and extracts identity. The
// production implementation lives outside this engine (an identity
// provider integration); this package only defines the seam.
type TokenVerifier func(token string, development bool) (tenant.Identity, error)

// AuthMiddleware extracts {tenantID, userID, roles} from the bearer token
// and attaches it to the request context as a tenant.Identity, for
// handlers to pull out explicitly (never read back out of ctx by core
// code — only here, at the HTTP boundary, per internal/tenant's Design
// Note). Dev bypass is delegated to verify itself, gated on development
// (spec.md §6 "Dev bypass is permitted only when an explicit development
// flag is set and must be refused otherwise").
func AuthMiddleware(verify TokenVerifier, development bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if !strings.HasPrefix(raw, bearerPrefix) {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(raw, bearerPrefix)

			id, err := verify(token, development)
			if err != nil {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}

			ctx := tenant.WithIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFromContext(ctx context.Context) (tenant.Identity, bool) {
	return tenant.FromContext(ctx)
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
