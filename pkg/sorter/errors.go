package sorter

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRoute is returned when neither the target nor the exception chute
	// has a usable route.
	ErrNoRoute = errors.New("sorter: no route to target or exception chute")
	// ErrInvalidParcel is returned for a request without a positive parcel id.
	ErrInvalidParcel = errors.New("sorter: parcel id must be positive")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sorter: service closed")
)

// ParcelInFlightError is returned when a parcel is routed twice.
type ParcelInFlightError struct {
	ParcelID int64
}

func (e *ParcelInFlightError) Error() string {
	return fmt.Sprintf("sorter: parcel %d is already in flight", e.ParcelID)
}

// UnknownDiverterError reports a route entry whose diverter has no position
// in the belt layout.
type UnknownDiverterError struct {
	ChuteID    string
	DiverterID int64
}

func (e *UnknownDiverterError) Error() string {
	return fmt.Sprintf("sorter: route to chute %q uses diverter %d which is not in the layout", e.ChuteID, e.DiverterID)
}

// IsParcelInFlight reports whether err is a ParcelInFlightError.
func IsParcelInFlight(err error) bool {
	var target *ParcelInFlightError
	return errors.As(err, &target)
}

// IsUnknownDiverter reports whether err is an UnknownDiverterError.
func IsUnknownDiverter(err error) bool {
	var target *UnknownDiverterError
	return errors.As(err, &target)
}
