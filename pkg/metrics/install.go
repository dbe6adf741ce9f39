package metrics

import (
	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/path"
	"github.com/wheelsort/wheelsort/pkg/queue"
	"github.com/wheelsort/wheelsort/pkg/sorter"
)

var (
	_ sorter.MetricsRecorder = (*Manager)(nil)
	_ path.MetricsRecorder   = (*Manager)(nil)
	_ queue.MetricsRecorder  = (*Manager)(nil)
	_ emc.MetricsRecorder    = (*Manager)(nil)
)

// Install makes m the recorder of every instrumented package. A disabled
// manager is still installed; its methods return immediately.
func (m *Manager) Install() {
	sorter.SetMetricsRecorder(m)
	path.SetMetricsRecorder(m)
	queue.SetMetricsRecorder(m)
	emc.SetMetricsRecorder(m)
}
