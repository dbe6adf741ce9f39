package emc

import (
	"sync"
	"time"
)

// MetricsRecorder defines metrics hooks for EMC coordination.
type MetricsRecorder interface {
	RecordEventSent(transport string, notification string)
	RecordEventReceived(transport string, notification string)
	RecordTransportFailure(transport string, op string)
	RecordHandshake(notification string, outcome string, duration time.Duration)
}

type nopMetrics struct{}

func (n *nopMetrics) RecordEventSent(transport, notification string)                       {}
func (n *nopMetrics) RecordEventReceived(transport, notification string)                   {}
func (n *nopMetrics) RecordTransportFailure(transport, op string)                          {}
func (n *nopMetrics) RecordHandshake(notification, outcome string, duration time.Duration) {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = &nopMetrics{}
)

// SetMetricsRecorder sets the package-level EMC metrics recorder.
func SetMetricsRecorder(recorder MetricsRecorder) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if recorder == nil {
		metrics = &nopMetrics{}
		return
	}
	metrics = recorder
}

// Metrics returns the active recorder. Transports in sub-packages report
// through it.
func Metrics() MetricsRecorder {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metrics
}
