// Package topology describes the physical sorter line: which diverters a
// parcel must pass, in which direction each one must be thrown to reach a
// chute, and where every diverter sits along the belt.
//
// Route configurations are owned by a Store; the routing core only ever reads
// them through the Source interface.
package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Direction is the position a diverter is thrown to.
type Direction string

const (
	// Straight lets the parcel pass the diverter untouched.
	Straight Direction = "straight"
	// Left deflects the parcel to the left-hand side.
	Left Direction = "left"
	// Right deflects the parcel to the right-hand side.
	Right Direction = "right"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case Straight, Left, Right:
		return true
	default:
		return false
	}
}

// ParseDirection parses a case-insensitive direction name.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("topology: unknown direction %q", s)
	}
	return d, nil
}

// DiverterConfigurationEntry is one diverter action on the way to a chute.
type DiverterConfigurationEntry struct {
	DiverterID      int64     `json:"diverter_id"`
	TargetDirection Direction `json:"target_direction"`
	SequenceNumber  int       `json:"sequence_number"`
}

// ChuteRouteConfiguration is the persisted route to one chute. Sequence
// numbers define execution order and are unique within a configuration; the
// entries themselves may be stored in any order.
type ChuteRouteConfiguration struct {
	ChuteID          string                       `json:"chute_id"`
	Entries          []DiverterConfigurationEntry `json:"entries"`
	IsEnabled        bool                         `json:"is_enabled"`
	ExceptionChuteID string                       `json:"exception_chute_id,omitempty"`
}

// Validate checks the configuration invariants.
func (c *ChuteRouteConfiguration) Validate() error {
	if c == nil {
		return &InvalidRouteError{Reason: "configuration is nil"}
	}
	if strings.TrimSpace(c.ChuteID) == "" {
		return &InvalidRouteError{Reason: "chute id is empty"}
	}
	seen := make(map[int]struct{}, len(c.Entries))
	for _, e := range c.Entries {
		if !e.TargetDirection.Valid() {
			return &InvalidRouteError{ChuteID: c.ChuteID, Reason: fmt.Sprintf("diverter %d has invalid direction %q", e.DiverterID, e.TargetDirection)}
		}
		if _, dup := seen[e.SequenceNumber]; dup {
			return &InvalidRouteError{ChuteID: c.ChuteID, Reason: fmt.Sprintf("duplicate sequence number %d", e.SequenceNumber)}
		}
		seen[e.SequenceNumber] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy.
func (c *ChuteRouteConfiguration) Clone() *ChuteRouteConfiguration {
	if c == nil {
		return nil
	}
	out := *c
	out.Entries = append([]DiverterConfigurationEntry(nil), c.Entries...)
	return &out
}

// Source is the read-only view of route configuration used on the hot path.
// It returns nil when no configuration exists for the chute.
type Source interface {
	GetByChuteID(chuteID string) *ChuteRouteConfiguration
}

// Store persists route configurations.
type Store interface {
	Source

	Save(ctx context.Context, cfg *ChuteRouteConfiguration) error
	Get(ctx context.Context, chuteID string) (*ChuteRouteConfiguration, error)
	List(ctx context.Context) ([]*ChuteRouteConfiguration, error)
	Delete(ctx context.Context, chuteID string) error

	Close() error
}

// NotFoundError indicates that no route exists for the chute.
type NotFoundError struct {
	ChuteID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("route not found for chute %s", e.ChuteID)
}

// InvalidRouteError is returned when a configuration violates its invariants.
type InvalidRouteError struct {
	ChuteID string
	Reason  string
}

func (e *InvalidRouteError) Error() string {
	if e.ChuteID == "" {
		return fmt.Sprintf("invalid route: %s", e.Reason)
	}
	return fmt.Sprintf("invalid route for chute %s: %s", e.ChuteID, e.Reason)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("route storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure encoding or decoding a configuration.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// IsNotFound returns true if err is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// Encode serialises a configuration for storage.
func Encode(cfg *ChuteRouteConfiguration) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, &SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

// Decode deserialises a stored configuration.
func Decode(data []byte) (*ChuteRouteConfiguration, error) {
	var cfg ChuteRouteConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &SerializationError{Operation: "unmarshal", Cause: err}
	}
	return &cfg, nil
}
