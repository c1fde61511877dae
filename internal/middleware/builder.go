// Package middleware provides HTTP middleware for the gateway.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/llmgateway/pkg/metrics"
)

// contextKey avoids collisions with other packages' context keys.
type contextKey string

const requestIDKey contextKey = "request_id"

// Config holds configuration for building a middleware stack.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.MetricsManager
}

// BuildPublicStack builds the middleware stack applied to the gateway's
// client-facing endpoints (login, chat, quota). Order, outermost first:
// security headers, panic recovery, request ID, per-route HTTP metrics,
// request logging. No whole-request timeout is applied here — the
// chat-completions streaming body must not be cut off mid-stream (spec.md
// §5).
func BuildPublicStack(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next
		handler = applyLogging(handler, cfg.Logger)
		if cfg.Metrics != nil {
			handler = cfg.Metrics.Middleware(handler)
		}
		handler = applyRequestID(handler)
		handler = applyRecovery(handler, cfg.Logger)
		handler = NewSecurityHeadersMiddleware(nil).Handler(handler)
		return handler
	}
}

// BuildAdminStack builds the middleware stack applied to the administrative
// surface, adding the loopback-only gate innermost (closest to the handler),
// so that even a misconfigured public listener still rejects non-loopback
// admin requests with 403 (spec.md §6 "gated by a middleware that rejects
// any non-loopback peer with 403").
func BuildAdminStack(cfg Config) func(http.Handler) http.Handler {
	public := BuildPublicStack(cfg)
	return func(next http.Handler) http.Handler {
		return public(LoopbackOnly(cfg.Logger)(next))
	}
}

// LoopbackOnly rejects any request whose remote address is not a loopback
// address with 403.
func LoopbackOnly(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ip := net.ParseIP(host)
			if ip == nil || !ip.IsLoopback() {
				if logger != nil {
					logger.Warn("rejected non-loopback admin request", "remote_addr", r.RemoteAddr)
				}
				http.Error(w, `{"error":"admin endpoints are loopback-only"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// applyLogging logs each request's method, path, status, duration, and
// request ID.
func applyLogging(next http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusCapturingWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Context().Value(requestIDKey),
		)
	})
}

// applyRequestID assigns a UUID to every request, attached to its context.
func applyRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// applyRecovery recovers from panics in downstream handlers, responding 500
// instead of crashing the server.
func applyRecovery(next http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusCapturingWriter records the status code written by the handler.
type statusCapturingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush satisfies http.Flusher so wrapped handlers that stream (the chat
// endpoint) keep working under this middleware stack.
func (w *statusCapturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
