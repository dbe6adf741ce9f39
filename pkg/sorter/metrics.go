package sorter

import (
	"sync"
	"time"
)

// MetricsRecorder defines metrics hooks for parcel routing and dispatch.
type MetricsRecorder interface {
	RecordParcelRouted(outcome string)
	RecordOverloadDecision(forced bool, reason string)
	RecordDispatch(position int, outcome string, lateness time.Duration)
	RecordInFlight(count int)
}

type nopMetrics struct{}

func (n *nopMetrics) RecordParcelRouted(outcome string)                                   {}
func (n *nopMetrics) RecordOverloadDecision(forced bool, reason string)                   {}
func (n *nopMetrics) RecordDispatch(position int, outcome string, lateness time.Duration) {}
func (n *nopMetrics) RecordInFlight(count int)                                            {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = &nopMetrics{}
)

// SetMetricsRecorder sets the package-level sorter metrics recorder.
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
