package sorter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelsort/wheelsort/pkg/clock"
	"github.com/wheelsort/wheelsort/pkg/diverter"
	"github.com/wheelsort/wheelsort/pkg/logger"
	"github.com/wheelsort/wheelsort/pkg/queue"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

type outcomeLog struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeLog) record(_ queue.Item, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *outcomeLog) all() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes...)
}

func newTestDispatcher(t *testing.T, clk clock.Clock, act diverter.Actuator) (*Dispatcher, *queue.PositionQueueManager, *outcomeLog) {
	t.Helper()
	layout, err := topology.NewLayout([]topology.PositionConfig{
		{Index: 0, DiverterID: 1, TravelTime: time.Second},
		{Index: 1, DiverterID: 2, TravelTime: 2 * time.Second},
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	queues := queue.NewManager()
	log := &outcomeLog{}
	d := newDispatcher(queues, layout, diverter.NewRegistry(), act, cfg, clk, logger.NewNop(), log.record)
	return d, queues, log
}

func enqueue(t *testing.T, q *queue.PositionQueueManager, parcelID int64, position int, diverterID int64, action topology.Direction, arrival time.Time) {
	t.Helper()
	require.NoError(t, q.EnqueueTask(context.Background(), position, &queue.Item{
		ParcelID:            parcelID,
		PositionIndex:       position,
		DiverterID:          diverterID,
		Action:              action,
		ExpectedArrivalTime: arrival,
		TimeoutThreshold:    500 * time.Millisecond,
		FallbackAction:      topology.Straight,
		CreatedAt:           t0,
	}))
}

func TestDispatcher_WaitsForLeadWindow(t *testing.T) {
	clk := clock.NewFake(t0)
	act := diverter.NewSimulatedActuator(0)
	d, q, log := newTestDispatcher(t, clk, act)
	enqueue(t, q, 1, 0, 1, topology.Right, t0.Add(time.Second))

	assert.Equal(t, 0, d.PollOnce(context.Background()))

	clk.Advance(900 * time.Millisecond)
	assert.Equal(t, 0, d.PollOnce(context.Background()))

	// The default lead is 50ms.
	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, 1, d.PollOnce(context.Background()))

	cmds := act.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, int64(1), cmds[0].DiverterID)
	assert.Equal(t, topology.Right, cmds[0].Direction)
	assert.Equal(t, []string{OutcomeActuated}, log.all())
	assert.Zero(t, q.TotalDepth())
}

func TestDispatcher_LateActionFallsBack(t *testing.T) {
	clk := clock.NewFake(t0)
	act := diverter.NewSimulatedActuator(0)
	d, q, log := newTestDispatcher(t, clk, act)
	enqueue(t, q, 1, 0, 1, topology.Left, t0.Add(time.Second))

	clk.Advance(2 * time.Second)
	require.Equal(t, 1, d.PollOnce(context.Background()))

	got, ok := act.Direction(1)
	require.True(t, ok)
	assert.Equal(t, topology.Straight, got)
	assert.Equal(t, []string{OutcomeStale}, log.all())
}

func TestDispatcher_DrainsInQueueOrder(t *testing.T) {
	clk := clock.NewFake(t0)
	act := diverter.NewSimulatedActuator(0)
	d, q, _ := newTestDispatcher(t, clk, act)
	enqueue(t, q, 1, 0, 1, topology.Left, t0.Add(time.Second))
	enqueue(t, q, 2, 0, 1, topology.Right, t0.Add(1100*time.Millisecond))
	enqueue(t, q, 3, 0, 1, topology.Left, t0.Add(5*time.Second))

	clk.Advance(1200 * time.Millisecond)
	assert.Equal(t, 2, d.PollOnce(context.Background()))

	cmds := act.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, topology.Left, cmds[0].Direction)
	assert.Equal(t, topology.Right, cmds[1].Direction)

	head := q.PeekTask(0)
	require.NotNil(t, head)
	assert.Equal(t, int64(3), head.ParcelID)
}

func TestDispatcher_PauseHoldsEveryReason(t *testing.T) {
	clk := clock.NewFake(t0)
	act := diverter.NewSimulatedActuator(0)
	d, q, _ := newTestDispatcher(t, clk, act)
	enqueue(t, q, 1, 1, 2, topology.Left, t0.Add(2*time.Second))
	clk.Advance(2 * time.Second)

	d.Pause("card 3")
	d.Pause("peer b resetting card 1")
	assert.True(t, d.Paused())
	assert.Equal(t, []string{"card 3", "peer b resetting card 1"}, d.PauseReasons())
	assert.Equal(t, 0, d.PollOnce(context.Background()))

	d.Resume("card 3")
	assert.True(t, d.Paused())
	assert.Equal(t, 0, d.PollOnce(context.Background()))

	d.Resume("peer b resetting card 1")
	assert.False(t, d.Paused())
	assert.Empty(t, d.PauseReasons())
	assert.Equal(t, 1, d.PollOnce(context.Background()))
}

func TestDispatcher_FaultIsReported(t *testing.T) {
	clk := clock.NewFake(t0)
	act := diverter.NewSimulatedActuator(0)
	act.InjectFault(1, errors.New("coil open"))
	d, q, log := newTestDispatcher(t, clk, act)
	enqueue(t, q, 1, 0, 1, topology.Left, t0.Add(time.Second))
	enqueue(t, q, 2, 0, 1, topology.Right, t0.Add(time.Second))

	clk.Advance(time.Second)
	assert.Equal(t, 2, d.PollOnce(context.Background()))
	assert.Equal(t, []string{OutcomeFault, OutcomeFault}, log.all())
}

func TestDispatcher_ActuatorPanicBecomesFault(t *testing.T) {
	clk := clock.NewFake(t0)
	act := diverter.ActuatorFunc(func(context.Context, int64, topology.Direction) error {
		panic("driver crashed")
	})
	d, q, log := newTestDispatcher(t, clk, act)
	enqueue(t, q, 1, 0, 1, topology.Left, t0.Add(time.Second))

	clk.Advance(time.Second)
	assert.NotPanics(t, func() { d.PollOnce(context.Background()) })
	assert.Equal(t, []string{OutcomeFault}, log.all())
}

func TestDispatcher_ClosedLockCancelsAction(t *testing.T) {
	clk := clock.NewFake(t0)
	act := diverter.NewSimulatedActuator(0)
	d, q, log := newTestDispatcher(t, clk, act)
	enqueue(t, q, 1, 0, 1, topology.Left, t0.Add(time.Second))
	d.locks.Close()

	clk.Advance(time.Second)
	assert.Equal(t, 1, d.PollOnce(context.Background()))
	assert.Empty(t, act.Commands())
	assert.Equal(t, []string{OutcomeCancelled}, log.all())
}

func TestDispatcher_RunDrivesDueActions(t *testing.T) {
	act := diverter.NewSimulatedActuator(0)
	d, q, log := newTestDispatcher(t, clock.System(), act)
	now := time.Now()
	enqueue(t, q, 1, 0, 1, topology.Left, now)
	enqueue(t, q, 2, 1, 2, topology.Right, now.Add(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(log.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, act.Commands(), 2)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
