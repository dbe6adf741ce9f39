package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/wheelsort/wheelsort/pkg/api/response"
)

// Timeout bounds the request context. Handlers observe the deadline through
// their context; if one returns after it without writing anything, the
// middleware answers 504. A non-positive timeout disables the middleware.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			sw := wrapWriter(w)
			next.ServeHTTP(sw, r.WithContext(ctx))

			if !sw.written && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				response.Error(sw,
					http.StatusGatewayTimeout,
					response.ErrCodeGatewayTimeout,
					"request timeout",
					requestIDOrUnknown(r),
				)
			}
		})
	}
}
