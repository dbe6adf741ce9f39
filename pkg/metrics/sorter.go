package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSorterMetrics(cfg Config) {
	m.parcelsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sorter_parcels_routed_total",
			Help: "Parcels accepted for routing by outcome",
		},
		[]string{"outcome"},
	)

	m.overloadDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sorter_overload_decisions_total",
			Help: "Overload policy evaluations by result and reason",
		},
		[]string{"forced", "reason"},
	)

	m.parcelsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sorter_parcels_in_flight",
			Help: "Parcels with pending diverter actions",
		},
	)

	m.dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sorter_dispatch_total",
			Help: "Diverter actions dispatched by position and outcome",
		},
		[]string{"position", "outcome"},
	)

	m.dispatchLateness = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sorter_dispatch_lateness_seconds",
			Help:    "Dispatch time relative to the expected arrival, negative when early",
			Buckets: cfg.DispatchLatenessBuckets,
		},
		[]string{"position"},
	)

	m.registry.MustRegister(m.parcelsRouted)
	m.registry.MustRegister(m.overloadDecisions)
	m.registry.MustRegister(m.parcelsInFlight)
	m.registry.MustRegister(m.dispatches)
	m.registry.MustRegister(m.dispatchLateness)
}

// RecordParcelRouted counts a routing request.
func (m *Manager) RecordParcelRouted(outcome string) {
	if !m.enabled {
		return
	}
	m.parcelsRouted.WithLabelValues(outcome).Inc()
}

// RecordOverloadDecision counts an overload policy evaluation. Reason is
// empty when the parcel was allowed.
func (m *Manager) RecordOverloadDecision(forced bool, reason string) {
	if !m.enabled {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.overloadDecisions.WithLabelValues(strconv.FormatBool(forced), reason).Inc()
}

// RecordDispatch records a dispatched action.
func (m *Manager) RecordDispatch(position int, outcome string, lateness time.Duration) {
	if !m.enabled {
		return
	}
	pos := strconv.Itoa(position)
	m.dispatches.WithLabelValues(pos, outcome).Inc()
	m.dispatchLateness.WithLabelValues(pos).Observe(lateness.Seconds())
}

// RecordInFlight sets the in-flight parcel gauge.
func (m *Manager) RecordInFlight(count int) {
	if !m.enabled {
		return
	}
	m.parcelsInFlight.Set(float64(count))
}
