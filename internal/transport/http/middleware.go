package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"medtrace/pkg/domain"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type contextKey int

const (
	requestIDKey contextKey = iota
	callerKey
)

// RequestID returns the request id stored by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Caller returns the authenticated identity, or NullIdentity for anonymous requests.
func Caller(ctx context.Context) domain.Identity {
	id, _ := ctx.Value(callerKey).(domain.Identity)
	return id
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"request_id", RequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"caller", string(Caller(r.Context())),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// authenticate resolves a bearer token into the caller identity. Requests
// without an Authorization header proceed anonymously; a malformed or invalid
// token is rejected outright.
func authenticate(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeStatus(w, http.StatusUnauthorized, "authorization header must use the Bearer scheme", domain.CodeUnauthorized)
				return
			}
			identity, err := auth.Verify(strings.TrimSpace(raw))
			if err != nil {
				writeStatus(w, http.StatusUnauthorized, err.Error(), domain.CodeUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, identity)))
		})
	}
}

func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Caller(r.Context()).IsNull() {
			writeStatus(w, http.StatusUnauthorized, "authentication required", domain.CodeUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
