package sorter

import (
	"fmt"
	"time"

	"github.com/wheelsort/wheelsort/pkg/path"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

// Config holds the routing and dispatch settings of a Service.
type Config struct {
	// ExceptionChuteID receives parcels that cannot be routed normally.
	ExceptionChuteID string
	// SegmentTTL bounds how long a generated segment stays executable.
	SegmentTTL time.Duration
	// ItemTimeout is how late an action may run after the expected arrival.
	ItemTimeout time.Duration
	// FallbackAction is performed instead of a late action.
	FallbackAction topology.Direction
	// DispatchLead actuates a diverter this long before the parcel arrives.
	DispatchLead time.Duration
	// PollInterval is how often the dispatcher inspects queue heads.
	PollInterval time.Duration
	// Workers is the dispatcher pool size; zero means one per position.
	Workers int

	// ResetTimeout is the EMC handshake timeout for local resets.
	ResetTimeout time.Duration
	// ResetRetries is the number of extra handshake attempts.
	ResetRetries int
	// PeerResetHold resumes dispatch if a peer never ends its lock or reset.
	PeerResetHold time.Duration
	// ReadyAfterPause answers peer resets with Ready once dispatch is paused.
	ReadyAfterPause bool
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ExceptionChuteID: "EXCEPTION",
		SegmentTTL:       path.DefaultSegmentTTL,
		ItemTimeout:      500 * time.Millisecond,
		FallbackAction:   topology.Straight,
		DispatchLead:     50 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		ResetTimeout:     5 * time.Second,
		ResetRetries:     1,
		PeerResetHold:    30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.ExceptionChuteID == "":
		return fmt.Errorf("sorter: exception chute id is required")
	case c.SegmentTTL <= 0:
		return fmt.Errorf("sorter: segment ttl must be positive")
	case c.ItemTimeout < 0:
		return fmt.Errorf("sorter: item timeout cannot be negative")
	case !c.FallbackAction.Valid():
		return fmt.Errorf("sorter: invalid fallback action %q", c.FallbackAction)
	case c.DispatchLead < 0:
		return fmt.Errorf("sorter: dispatch lead cannot be negative")
	case c.PollInterval <= 0:
		return fmt.Errorf("sorter: poll interval must be positive")
	case c.Workers < 0:
		return fmt.Errorf("sorter: workers cannot be negative")
	case c.ResetTimeout <= 0:
		return fmt.Errorf("sorter: reset timeout must be positive")
	case c.ResetRetries < 0:
		return fmt.Errorf("sorter: reset retries cannot be negative")
	}
	return nil
}
