package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wheelsort/wheelsort/pkg/api/models"
	"github.com/wheelsort/wheelsort/pkg/api/response"
	"github.com/wheelsort/wheelsort/pkg/logger"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

// RouteHandler serves CRUD endpoints over the route store.
type RouteHandler struct {
	store topology.Store
	log   logger.Logger
}

// NewRouteHandler creates a route handler.
func NewRouteHandler(store topology.Store, log logger.Logger) *RouteHandler {
	return &RouteHandler{store: store, log: logger.OrNop(log)}
}

// ListRoutes handles GET /api/v1/routes.
func (h *RouteHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := h.store.List(r.Context())
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	if routes == nil {
		routes = []*topology.ChuteRouteConfiguration{}
	}
	response.JSON(w, http.StatusOK, models.RouteListResponse{Routes: routes, Total: len(routes)})
}

// GetRoute handles GET /api/v1/routes/{chute}.
func (h *RouteHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.Get(r.Context(), chi.URLParam(r, "chute"))
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, cfg)
}

// PutRoute handles PUT /api/v1/routes/{chute}. The new route applies to
// parcels routed afterwards.
func (h *RouteHandler) PutRoute(w http.ResponseWriter, r *http.Request) {
	var req models.RouteRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	cfg := req.ToConfiguration(chi.URLParam(r, "chute"))
	if err := h.store.Save(r.Context(), cfg); err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	h.log.InfoContext(r.Context(), "route saved", "chute_id", cfg.ChuteID, "entries", len(cfg.Entries), "enabled", cfg.IsEnabled)
	response.JSON(w, http.StatusOK, cfg)
}

// DeleteRoute handles DELETE /api/v1/routes/{chute}.
func (h *RouteHandler) DeleteRoute(w http.ResponseWriter, r *http.Request) {
	chuteID := chi.URLParam(r, "chute")
	if err := h.store.Delete(r.Context(), chuteID); err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	h.log.InfoContext(r.Context(), "route deleted", "chute_id", chuteID)
	response.JSON(w, http.StatusNoContent, nil)
}
