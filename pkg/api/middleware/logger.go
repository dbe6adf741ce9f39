// Package middleware provides the HTTP middleware of the operations API.
package middleware

import (
	"net/http"
	"time"

	"github.com/wheelsort/wheelsort/pkg/logger"
)

// Logger returns a middleware that logs one line per request. Server errors
// log at error level, client errors at warn and the rest at debug.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	log = logger.OrNop(log).Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := wrapWriter(w)

			next.ServeHTTP(sw, r)

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", sw.size,
				"remote_addr", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			switch {
			case sw.status >= http.StatusInternalServerError:
				log.ErrorContext(r.Context(), "http request", args...)
			case sw.status >= http.StatusBadRequest:
				log.WarnContext(r.Context(), "http request", args...)
			default:
				log.DebugContext(r.Context(), "http request", args...)
			}
		})
	}
}
