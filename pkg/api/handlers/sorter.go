package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wheelsort/wheelsort/pkg/api/models"
	"github.com/wheelsort/wheelsort/pkg/api/response"
	"github.com/wheelsort/wheelsort/pkg/logger"
	"github.com/wheelsort/wheelsort/pkg/path"
	"github.com/wheelsort/wheelsort/pkg/sorter"
)

// Sorter is the part of sorter.Service the API drives.
type Sorter interface {
	RouteParcel(ctx context.Context, req sorter.ParcelRequest) (*sorter.Plan, error)
	CancelParcel(parcelID int64) int
	HandleParcelLost(parcelID int64, lostCreatedAt, detectedAt time.Time) []int64
	ExecuteRoute(ctx context.Context, chuteID string) path.ExecutionResult
	Reset(ctx context.Context, cardNo int, cold bool) error
	Snapshot() sorter.Snapshot
}

var _ Sorter = (*sorter.Service)(nil)

// SorterHandler serves the parcel, queue and card reset endpoints.
type SorterHandler struct {
	sorter Sorter
	log    logger.Logger
}

// NewSorterHandler creates a sorter handler.
func NewSorterHandler(s Sorter, log logger.Logger) *SorterHandler {
	return &SorterHandler{sorter: s, log: logger.OrNop(log)}
}

// RouteParcel handles POST /api/v1/parcels.
func (h *SorterHandler) RouteParcel(w http.ResponseWriter, r *http.Request) {
	var req models.RouteParcelRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	plan, err := h.sorter.RouteParcel(r.Context(), req.ToParcelRequest())
	if err != nil {
		h.log.WarnContext(r.Context(), "route parcel failed", "parcel_id", req.ParcelID, "error", err)
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusCreated, plan)
}

// CancelParcel handles DELETE /api/v1/parcels/{id}.
func (h *SorterHandler) CancelParcel(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id", 1)
	if !ok {
		return
	}
	response.JSON(w, http.StatusOK, models.CancelParcelResponse{
		ParcelID:       id,
		RemovedActions: h.sorter.CancelParcel(id),
	})
}

// ParcelLost handles POST /api/v1/parcels/{id}/lost.
func (h *SorterHandler) ParcelLost(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id", 1)
	if !ok {
		return
	}
	var req models.ParcelLostRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}

	var createdAt, detectedAt time.Time
	if req.LostCreatedAt != nil {
		createdAt = *req.LostCreatedAt
	}
	if req.DetectedAt != nil {
		detectedAt = *req.DetectedAt
	}
	affected := h.sorter.HandleParcelLost(id, createdAt, detectedAt)
	if affected == nil {
		affected = []int64{}
	}
	response.JSON(w, http.StatusOK, models.ParcelLostResponse{ParcelID: id, AffectedParcels: affected})
}

// Queues handles GET /api/v1/queues.
func (h *SorterHandler) Queues(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.sorter.Snapshot())
}

// ExecuteRoute handles POST /api/v1/chutes/{chute}/execute. It drives the
// route immediately; a failed execution still answers 200 with the result.
func (h *SorterHandler) ExecuteRoute(w http.ResponseWriter, r *http.Request) {
	chuteID := chi.URLParam(r, "chute")
	res := h.sorter.ExecuteRoute(r.Context(), chuteID)
	if !res.IsSuccess {
		h.log.WarnContext(r.Context(), "manual route execution failed",
			"chute_id", chuteID,
			"error_code", res.ErrorCode,
			"actual_chute", res.ActualChuteID,
		)
	}
	response.JSON(w, http.StatusOK, res)
}

// ResetCard handles POST /api/v1/emc/{card}/reset. The query parameter
// cold=true requests a cold reset.
func (h *SorterHandler) ResetCard(w http.ResponseWriter, r *http.Request) {
	card, ok := intParam(w, r, "card", 0)
	if !ok {
		return
	}
	cold := false
	if raw := r.URL.Query().Get("cold"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid cold flag", requestID(r))
			return
		}
		cold = v
	}

	if err := h.sorter.Reset(r.Context(), int(card), cold); err != nil {
		h.log.ErrorContext(r.Context(), "card reset failed", "card_no", card, "cold", cold, "error", err)
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, models.ResetCardResponse{CardNo: int(card), Cold: cold, Status: "reset"})
}
