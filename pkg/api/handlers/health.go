package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/wheelsort/wheelsort/pkg/api/response"
	"github.com/wheelsort/wheelsort/pkg/version"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// HealthHandler serves the liveness, readiness and status endpoints.
type HealthHandler struct {
	checks  map[string]Check
	status  func() interface{}
	started time.Time
	timeout time.Duration
}

// HealthOption configures a HealthHandler.
type HealthOption func(*HealthHandler)

// WithCheck adds a readiness check.
func WithCheck(name string, check Check) HealthOption {
	return func(h *HealthHandler) {
		h.checks[name] = check
	}
}

// WithStatus sets the function reporting line state on /status.
func WithStatus(fn func() interface{}) HealthOption {
	return func(h *HealthHandler) {
		h.status = fn
	}
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{
		checks:  make(map[string]Check),
		started: time.Now(),
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint (readiness probe).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ready := true
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			ready = false
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]interface{}{
		"ready":  ready,
		"checks": results,
	})
}

// Status handles the /status endpoint.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"version": version.Info(),
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}
	if h.status != nil {
		body["line"] = h.status()
	}
	response.JSON(w, http.StatusOK, body)
}
