package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initPathMetrics(cfg Config) {
	m.pathsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "path_generated_total",
			Help: "Switching path lookups by whether a route was found",
		},
		[]string{"found"},
	)

	m.pathExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "path_executions_total",
			Help: "Switching path executions by outcome",
		},
		[]string{"outcome"},
	)

	m.pathDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "path_execution_duration_seconds",
			Help:    "Switching path execution duration",
			Buckets: cfg.PathDurationBuckets,
		},
		[]string{"outcome"},
	)

	m.diverterActuations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diverter_actuations_total",
			Help: "Diverter actuations by diverter and status",
		},
		[]string{"diverter_id", "status"},
	)

	m.registry.MustRegister(m.pathsGenerated)
	m.registry.MustRegister(m.pathExecutions)
	m.registry.MustRegister(m.pathDuration)
	m.registry.MustRegister(m.diverterActuations)
}

// RecordPathGenerated counts a path lookup.
func (m *Manager) RecordPathGenerated(found bool) {
	if !m.enabled {
		return
	}
	m.pathsGenerated.WithLabelValues(strconv.FormatBool(found)).Inc()
}

// RecordPathExecution records a finished path execution.
func (m *Manager) RecordPathExecution(outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.pathExecutions.WithLabelValues(outcome).Inc()
	m.pathDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordSegmentActuation counts one segment attempt on a diverter.
func (m *Manager) RecordSegmentActuation(diverterID int64, status string) {
	if !m.enabled {
		return
	}
	m.diverterActuations.WithLabelValues(strconv.FormatInt(diverterID, 10), status).Inc()
}
