package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initQueueMetrics() {
	m.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "position_queue_depth",
			Help: "Pending diverter actions per position",
		},
		[]string{"position"},
	)

	m.queueOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "position_queue_operations_total",
			Help: "Position queue operations by kind",
		},
		[]string{"position", "op"},
	)

	m.registry.MustRegister(m.queueDepth)
	m.registry.MustRegister(m.queueOperations)
}

// RecordQueueDepth sets the depth of a position queue.
func (m *Manager) RecordQueueDepth(position int, depth int) {
	if !m.enabled {
		return
	}
	m.queueDepth.WithLabelValues(strconv.Itoa(position)).Set(float64(depth))
}

// RecordQueueOperation counts an enqueue, dequeue, removal or rewrite.
func (m *Manager) RecordQueueOperation(position int, op string) {
	if !m.enabled {
		return
	}
	m.queueOperations.WithLabelValues(strconv.Itoa(position), op).Inc()
}
