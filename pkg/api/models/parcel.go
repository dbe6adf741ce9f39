// Package models defines API request/response data structures.
package models

import (
	"time"

	"github.com/wheelsort/wheelsort/pkg/sorter"
)

// RouteParcelRequest asks the line to route a parcel.
type RouteParcelRequest struct {
	// ParcelID is the upstream parcel identifier.
	ParcelID int64 `json:"parcel_id" validate:"required,gt=0" example:"100234"`

	// TargetChuteID is the chute the parcel should reach.
	TargetChuteID string `json:"target_chute_id" validate:"required,max=64" example:"C12"`

	// InductedAt is when the parcel entered the belt; now when omitted.
	InductedAt *time.Time `json:"inducted_at,omitempty"`

	// Priority schedules the parcel's actions ahead of queued ones.
	Priority bool `json:"priority,omitempty"`
}

// ToParcelRequest converts the body to a sorter request.
func (r RouteParcelRequest) ToParcelRequest() sorter.ParcelRequest {
	req := sorter.ParcelRequest{
		ParcelID:      r.ParcelID,
		TargetChuteID: r.TargetChuteID,
		Priority:      r.Priority,
	}
	if r.InductedAt != nil {
		req.InductedAt = *r.InductedAt
	}
	return req
}

// ParcelLostRequest reports a parcel that vanished from the belt. Both
// timestamps are optional.
type ParcelLostRequest struct {
	// LostCreatedAt is when the lost parcel was created; the routing time
	// is used when omitted.
	LostCreatedAt *time.Time `json:"lost_created_at,omitempty"`

	// DetectedAt is when the loss was detected; now when omitted.
	DetectedAt *time.Time `json:"detected_at,omitempty"`
}

// ParcelLostResponse lists the parcels rewritten to straight.
type ParcelLostResponse struct {
	ParcelID        int64   `json:"parcel_id"`
	AffectedParcels []int64 `json:"affected_parcels"`
}

// CancelParcelResponse reports how many pending actions were dropped.
type CancelParcelResponse struct {
	ParcelID       int64 `json:"parcel_id"`
	RemovedActions int   `json:"removed_actions"`
}

// ResetCardResponse reports a completed card reset.
type ResetCardResponse struct {
	CardNo int    `json:"card_no"`
	Cold   bool   `json:"cold"`
	Status string `json:"status"`
}
