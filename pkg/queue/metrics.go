package queue

import "sync"

// MetricsRecorder defines metrics hooks for position queues.
type MetricsRecorder interface {
	RecordQueueDepth(position int, depth int)
	RecordQueueOperation(position int, op string)
}

type nopMetrics struct{}

func (n *nopMetrics) RecordQueueDepth(position int, depth int)     {}
func (n *nopMetrics) RecordQueueOperation(position int, op string) {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = &nopMetrics{}
)

// SetMetricsRecorder sets the package-level queue metrics recorder.
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
