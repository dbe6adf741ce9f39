package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initEMCMetrics(cfg Config) {
	m.emcSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emc_events_sent_total",
			Help: "EMC events published by transport and type",
		},
		[]string{"transport", "type"},
	)

	m.emcReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emc_events_received_total",
			Help: "EMC events received by transport and type",
		},
		[]string{"transport", "type"},
	)

	m.emcTransportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emc_transport_failures_total",
			Help: "EMC transport failures by operation",
		},
		[]string{"transport", "op"},
	)

	m.emcHandshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emc_handshakes_total",
			Help: "EMC request handshakes by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	m.emcHandshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emc_handshake_duration_seconds",
			Help:    "Time from request to confirmation or timeout",
			Buckets: cfg.HandshakeDurationBuckets,
		},
		[]string{"type", "outcome"},
	)

	m.registry.MustRegister(m.emcSent)
	m.registry.MustRegister(m.emcReceived)
	m.registry.MustRegister(m.emcTransportFailures)
	m.registry.MustRegister(m.emcHandshakes)
	m.registry.MustRegister(m.emcHandshakeDuration)
}

// RecordEventSent counts a published event.
func (m *Manager) RecordEventSent(transport string, notification string) {
	if !m.enabled {
		return
	}
	m.emcSent.WithLabelValues(transport, notification).Inc()
}

// RecordEventReceived counts a received event, own echoes included.
func (m *Manager) RecordEventReceived(transport string, notification string) {
	if !m.enabled {
		return
	}
	m.emcReceived.WithLabelValues(transport, notification).Inc()
}

// RecordTransportFailure counts a failed transport operation.
func (m *Manager) RecordTransportFailure(transport string, op string) {
	if !m.enabled {
		return
	}
	m.emcTransportFailures.WithLabelValues(transport, op).Inc()
}

// RecordHandshake records a finished request handshake.
func (m *Manager) RecordHandshake(notification string, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.emcHandshakes.WithLabelValues(notification, outcome).Inc()
	m.emcHandshakeDuration.WithLabelValues(notification, outcome).Observe(duration.Seconds())
}
