package path

import (
	"sync"
	"time"
)

// MetricsRecorder defines metrics hooks for path generation and execution.
type MetricsRecorder interface {
	RecordPathGenerated(found bool)
	RecordPathExecution(outcome string, duration time.Duration)
	RecordSegmentActuation(diverterID int64, status string)
}

type nopMetrics struct{}

func (n *nopMetrics) RecordPathGenerated(found bool)                             {}
func (n *nopMetrics) RecordPathExecution(outcome string, duration time.Duration) {}
func (n *nopMetrics) RecordSegmentActuation(diverterID int64, status string)     {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = &nopMetrics{}
)

// SetMetricsRecorder sets the package-level path metrics recorder.
func SetMetricsRecorder(recorder MetricsRecorder) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if recorder == nil {
		metrics = &nopMetrics{}
		return
	}
	metrics = recorder
}

func metricsRecorder() MetricsRecorder {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metrics
}
