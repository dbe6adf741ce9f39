// Package queue holds the pending diverter actions for every physical
// position along the belt, one independently locked queue per position.
package queue

import (
	"time"

	"github.com/wheelsort/wheelsort/pkg/topology"
)

// Item is one scheduled diverter action for a parcel. Items are stored by
// pointer; batch rewrites mutate Action in place.
type Item struct {
	ParcelID            int64              `json:"parcel_id"`
	PositionIndex       int                `json:"position_index"`
	DiverterID          int64              `json:"diverter_id"`
	Action              topology.Direction `json:"action"`
	ExpectedArrivalTime time.Time          `json:"expected_arrival_time"`
	TimeoutThreshold    time.Duration      `json:"timeout_threshold"`
	FallbackAction      topology.Direction `json:"fallback_action"`
	CreatedAt           time.Time          `json:"created_at"`
}

// Deadline is the last instant the action may still be performed.
func (it *Item) Deadline() time.Time {
	return it.ExpectedArrivalTime.Add(it.TimeoutThreshold)
}

// Snapshot returns a copy safe to hand to other goroutines.
func (it *Item) Snapshot() Item {
	return *it
}
