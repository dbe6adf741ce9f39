// Package api serves the operations HTTP API of a sorter line.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wheelsort/wheelsort/config"
	"github.com/wheelsort/wheelsort/pkg/api/handlers"
	"github.com/wheelsort/wheelsort/pkg/api/middleware"
	"github.com/wheelsort/wheelsort/pkg/api/response"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

// Handlers holds all HTTP handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	// Health serves /health, /ready and /status.
	Health *handlers.HealthHandler

	// Sorter serves parcels, queues, manual route execution and card resets.
	Sorter *handlers.SorterHandler

	// Routes serves the route store.
	Routes *handlers.RouteHandler

	// EMCEvents streams peer EMC events to operators.
	EMCEvents http.Handler

	// EMCRelay is the websocket relay peers dial when this instance hosts
	// the EMC stream.
	EMCRelay http.Handler

	// MetricsHandler serves the Prometheus scrape endpoint.
	MetricsHandler http.Handler

	// Metrics is the optional HTTP metrics recorder.
	Metrics middleware.MetricsRecorder
}

// NewRouter creates the chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Metrics(h.Metrics))
	r.Use(middleware.CORS(&cfg.Server.CORS))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "route not found", middleware.GetRequestID(req.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, "method not allowed", middleware.GetRequestID(req.Context()))
	})

	RegisterRoutes(r, cfg, h)
	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, cfg *config.Config, h *Handlers) {
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}

	if h.MetricsHandler != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h.MetricsHandler)
	}

	// Long-lived streams stay outside the request timeout.
	if h.EMCRelay != nil {
		r.Handle("/ws/emc", h.EMCRelay)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if h.EMCEvents != nil {
			r.Method(http.MethodGet, "/emc/events", h.EMCEvents)
		}

		if h.Sorter != nil {
			// A coordinated reset waits for peers and may outlast the
			// request timeout.
			r.Post("/emc/{card}/reset", h.Sorter.ResetCard)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

			if h.Sorter != nil {
				r.Get("/queues", h.Sorter.Queues)
				r.Post("/chutes/{chute}/execute", h.Sorter.ExecuteRoute)
				r.Route("/parcels", func(r chi.Router) {
					r.Post("/", h.Sorter.RouteParcel)
					r.Delete("/{id}", h.Sorter.CancelParcel)
					r.Post("/{id}/lost", h.Sorter.ParcelLost)
				})
			}

			if h.Routes != nil {
				r.Route("/routes", func(r chi.Router) {
					r.Get("/", h.Routes.ListRoutes)
					r.Get("/{chute}", h.Routes.GetRoute)
					r.Put("/{chute}", h.Routes.PutRoute)
					r.Delete("/{chute}", h.Routes.DeleteRoute)
				})
			}
		})
	})
}
