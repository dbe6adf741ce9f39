package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/wheelsort/wheelsort/pkg/api/response"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

// Recovery returns a middleware that turns handler panics into 500 responses.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	log = logger.OrNop(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}
				log.ErrorContext(r.Context(), "panic recovered",
					"error", err,
					"path", r.URL.Path,
					"method", r.Method,
					"request_id", GetRequestID(r.Context()),
					"stack", string(debug.Stack()),
				)

				sw := wrapWriter(w)
				if sw.written {
					return
				}
				response.Error(sw,
					http.StatusInternalServerError,
					response.ErrCodeInternalServer,
					"internal server error",
					requestIDOrUnknown(r),
				)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func requestIDOrUnknown(r *http.Request) string {
	if id := GetRequestID(r.Context()); id != "" {
		return id
	}
	return "unknown"
}
