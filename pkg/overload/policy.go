// Package overload decides, per parcel, whether the sorter is too congested
// to attempt normal routing and should send the parcel to the exception chute.
package overload

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
)

// CongestionLevel is the coarse load state of the sorter.
type CongestionLevel int

const (
	Normal CongestionLevel = iota
	Warning
	Severe
)

func (l CongestionLevel) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Severe:
		return "severe"
	default:
		return fmt.Sprintf("CongestionLevel(%d)", int(l))
	}
}

// Reasons attached to forced-exception decisions.
const (
	ReasonInsufficientTTL     = "insufficient TTL"
	ReasonOverCapacity        = "over capacity"
	ReasonSevereCongestion    = "severe congestion"
	ReasonArrivalWindowMissed = "arrival window missed"
)

// Context is the load snapshot a decision is made on.
type Context struct {
	CurrentCongestionLevel CongestionLevel
	InFlightParcels        int
	RemainingTTL           time.Duration
	EstimatedArrivalWindow time.Duration
}

// Decision is the outcome of Evaluate.
type Decision struct {
	ForceException bool   `json:"force_exception"`
	Reason         string `json:"reason,omitempty"`
}

// Allow is the decision to route normally.
var Allow = Decision{}

func force(reason string) Decision {
	return Decision{ForceException: true, Reason: reason}
}

// Options configures a DefaultPolicy.
type Options struct {
	Enabled                      bool          `mapstructure:"enabled" json:"enabled"`
	ForceExceptionOnSevere       bool          `mapstructure:"force_exception_on_severe" json:"force_exception_on_severe"`
	ForceExceptionOnOverCapacity bool          `mapstructure:"force_exception_on_over_capacity" json:"force_exception_on_over_capacity"`
	ForceExceptionOnTimeout      bool          `mapstructure:"force_exception_on_timeout" json:"force_exception_on_timeout"`
	ForceExceptionOnWindowMiss   bool          `mapstructure:"force_exception_on_window_miss" json:"force_exception_on_window_miss"`
	MaxInFlightParcels           int           `mapstructure:"max_in_flight_parcels" json:"max_in_flight_parcels" validate:"gte=0"`
	MinRequiredTTL               time.Duration `mapstructure:"min_required_ttl" json:"min_required_ttl" validate:"gte=0"`
	MinArrivalWindow             time.Duration `mapstructure:"min_arrival_window" json:"min_arrival_window" validate:"gte=0"`
	WarningUtilization           float64       `mapstructure:"warning_utilization" json:"warning_utilization" validate:"gte=0,lte=1"`
	SevereUtilization            float64       `mapstructure:"severe_utilization" json:"severe_utilization" validate:"gte=0,lte=1,gtefield=WarningUtilization"`
}

// DefaultOptions returns an enabled policy with every force flag on.
func DefaultOptions() Options {
	return Options{
		Enabled:                      true,
		ForceExceptionOnSevere:       true,
		ForceExceptionOnOverCapacity: true,
		ForceExceptionOnTimeout:      true,
		ForceExceptionOnWindowMiss:   true,
		MaxInFlightParcels:           500,
		MinRequiredTTL:               500 * time.Millisecond,
		MinArrivalWindow:             200 * time.Millisecond,
		WarningUtilization:           0.7,
		SevereUtilization:            0.9,
	}
}

var validate = validator.New()

// Validate checks the option ranges.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("overload: invalid options: %w", err)
	}
	return nil
}

// Policy evaluates a load snapshot. Implementations are pure and safe for
// concurrent use.
type Policy interface {
	Evaluate(ctx Context) Decision
}

// DefaultPolicy is an immutable rule set. First matching rule wins.
type DefaultPolicy struct {
	opts Options
}

// NewPolicy validates opts and returns the policy.
func NewPolicy(opts Options) (DefaultPolicy, error) {
	if err := opts.Validate(); err != nil {
		return DefaultPolicy{}, err
	}
	return DefaultPolicy{opts: opts}, nil
}

// Options returns the configuration of the policy.
func (p DefaultPolicy) Options() Options { return p.opts }

// Evaluate implements Policy.
func (p DefaultPolicy) Evaluate(c Context) Decision {
	o := p.opts
	switch {
	case !o.Enabled:
		return Allow
	case o.ForceExceptionOnTimeout && c.RemainingTTL < o.MinRequiredTTL:
		return force(ReasonInsufficientTTL)
	case o.ForceExceptionOnOverCapacity && c.InFlightParcels > o.MaxInFlightParcels:
		return force(ReasonOverCapacity)
	case o.ForceExceptionOnSevere && c.CurrentCongestionLevel == Severe:
		return force(ReasonSevereCongestion)
	case o.ForceExceptionOnWindowMiss && c.EstimatedArrivalWindow < o.MinArrivalWindow:
		return force(ReasonArrivalWindowMissed)
	default:
		return Allow
	}
}

// CongestionFromUtilization maps a utilisation ratio (0..1) to a level
// using the policy thresholds.
func (p DefaultPolicy) CongestionFromUtilization(utilization float64) CongestionLevel {
	return CongestionFromUtilization(utilization, p.opts.WarningUtilization, p.opts.SevereUtilization)
}

// CongestionFromUtilization maps utilization to a level. A zero threshold
// disables that level.
func CongestionFromUtilization(utilization, warning, severe float64) CongestionLevel {
	switch {
	case severe > 0 && utilization >= severe:
		return Severe
	case warning > 0 && utilization >= warning:
		return Warning
	default:
		return Normal
	}
}

// AtomicPolicy holds the active policy and lets it be replaced while other
// goroutines evaluate.
type AtomicPolicy struct {
	current atomic.Pointer[DefaultPolicy]
}

// NewAtomicPolicy wraps p.
func NewAtomicPolicy(p DefaultPolicy) *AtomicPolicy {
	a := &AtomicPolicy{}
	a.current.Store(&p)
	return a
}

// Evaluate implements Policy using the current rule set.
func (a *AtomicPolicy) Evaluate(c Context) Decision {
	return a.current.Load().Evaluate(c)
}

// Load returns the current rule set.
func (a *AtomicPolicy) Load() DefaultPolicy {
	return *a.current.Load()
}

// Update validates opts and swaps them in.
func (a *AtomicPolicy) Update(opts Options) error {
	p, err := NewPolicy(opts)
	if err != nil {
		return err
	}
	a.current.Store(&p)
	return nil
}
