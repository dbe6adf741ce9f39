package path

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelsort/wheelsort/pkg/clock"
	"github.com/wheelsort/wheelsort/pkg/diverter"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

func threeSegmentPath(at time.Time) *SwitchingPath {
	return NewSwitchingPath("C-7", []SwitchingPathSegment{
		{DiverterID: 1, TargetDirection: topology.Straight, SequenceNumber: 1, TTL: DefaultSegmentTTL},
		{DiverterID: 2, TargetDirection: topology.Straight, SequenceNumber: 2, TTL: DefaultSegmentTTL},
		{DiverterID: 3, TargetDirection: topology.Left, SequenceNumber: 3, TTL: DefaultSegmentTTL},
	}, "EX-9", at)
}

func TestExecute_Success(t *testing.T) {
	act := diverter.NewSimulatedActuator(0)
	exec := NewExecutor(diverter.NewRegistry(), act)

	res := exec.Execute(context.Background(), threeSegmentPath(time.Now()))
	assert.True(t, res.IsSuccess)
	assert.Equal(t, "C-7", res.ActualChuteID)
	assert.Equal(t, -1, res.FailedSegment)

	cmds := act.Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, int64(1), cmds[0].DiverterID)
	assert.Equal(t, int64(3), cmds[2].DiverterID)
	assert.Equal(t, topology.Left, cmds[2].Direction)
}

func TestExecute_HoldsOneLockAtATime(t *testing.T) {
	locks := diverter.NewRegistry()
	var maxHeld atomic.Int32
	act := diverter.ActuatorFunc(func(ctx context.Context, id int64, _ topology.Direction) error {
		held := int32(0)
		for _, did := range locks.DiverterIDs() {
			if w, _ := locks.Get(did).Held(); w > 0 {
				held++
			}
		}
		if held > maxHeld.Load() {
			maxHeld.Store(held)
		}
		return nil
	})

	res := NewExecutor(locks, act).Execute(context.Background(), threeSegmentPath(time.Now()))
	require.True(t, res.IsSuccess)
	assert.Equal(t, int32(1), maxHeld.Load())

	for _, did := range locks.DiverterIDs() {
		w, r := locks.Get(did).Held()
		assert.Zero(t, w)
		assert.Zero(t, r)
	}
}

func TestExecute_HardwareFaultReturnsFallback(t *testing.T) {
	act := diverter.NewSimulatedActuator(0)
	act.InjectFault(2, errors.New("solenoid stuck"))
	exec := NewExecutor(diverter.NewRegistry(), act)

	res := exec.Execute(context.Background(), threeSegmentPath(time.Now()))
	assert.False(t, res.IsSuccess)
	assert.Equal(t, ErrorCodeHardwareFault, res.ErrorCode)
	assert.Equal(t, "EX-9", res.ActualChuteID)
	assert.Equal(t, 2, res.FailedSegment)
	assert.Contains(t, res.ErrorMessage, "solenoid stuck")
	assert.Len(t, act.Commands(), 1)
}

func TestExecute_PanicIsRecovered(t *testing.T) {
	act := diverter.ActuatorFunc(func(context.Context, int64, topology.Direction) error {
		panic("driver crashed")
	})
	locks := diverter.NewRegistry()

	var res ExecutionResult
	require.NotPanics(t, func() {
		res = NewExecutor(locks, act).Execute(context.Background(), threeSegmentPath(time.Now()))
	})
	assert.Equal(t, ErrorCodeHardwareFault, res.ErrorCode)
	assert.Equal(t, "EX-9", res.ActualChuteID)

	w, _ := locks.Get(1).Held()
	assert.Zero(t, w, "lock leaked after panic")
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	act := diverter.NewSimulatedActuator(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewExecutor(diverter.NewRegistry(), act).Execute(ctx, threeSegmentPath(time.Now()))
	assert.False(t, res.IsSuccess)
	assert.Equal(t, ErrorCodeCancelled, res.ErrorCode)
	assert.Equal(t, "EX-9", res.ActualChuteID)
	assert.Empty(t, act.Commands())
}

func TestExecute_CancelledWhileWaitingForLock(t *testing.T) {
	locks := diverter.NewRegistry()
	blocker, err := locks.Get(2).AcquireWriteLock(context.Background())
	require.NoError(t, err)
	defer blocker.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	act := diverter.NewSimulatedActuator(0)
	res := NewExecutor(locks, act).Execute(ctx, threeSegmentPath(time.Now()))
	assert.Equal(t, ErrorCodeCancelled, res.ErrorCode)
	assert.Equal(t, "EX-9", res.ActualChuteID)
	assert.Equal(t, 2, res.FailedSegment)
	assert.Len(t, act.Commands(), 1)
}

func TestExecute_CancelledDuringActuation(t *testing.T) {
	act := diverter.NewSimulatedActuator(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := NewExecutor(diverter.NewRegistry(), act).Execute(ctx, threeSegmentPath(time.Now()))
	assert.Equal(t, ErrorCodeCancelled, res.ErrorCode)
	assert.Equal(t, "EX-9", res.ActualChuteID)
}

func TestExecute_ExpiredSegment(t *testing.T) {
	generated := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFake(generated.Add(DefaultSegmentTTL + time.Millisecond))
	act := diverter.NewSimulatedActuator(0)

	res := NewExecutor(diverter.NewRegistry(), act, WithExecutorClock(clk)).Execute(context.Background(), threeSegmentPath(generated))
	assert.Equal(t, ErrorCodeTTLExpired, res.ErrorCode)
	assert.Equal(t, "EX-9", res.ActualChuteID)
	assert.Equal(t, 1, res.FailedSegment)
	assert.Empty(t, act.Commands())
}

func TestExecute_InvalidPath(t *testing.T) {
	exec := NewExecutor(diverter.NewRegistry(), diverter.NewSimulatedActuator(0), WithDefaultFallbackChute("EX-0"))

	res := exec.Execute(context.Background(), nil)
	assert.False(t, res.IsSuccess)
	assert.Equal(t, ErrorCodeInvalidPath, res.ErrorCode)
	assert.Equal(t, "EX-0", res.ActualChuteID)
}

func TestExecute_ClosedLocks(t *testing.T) {
	locks := diverter.NewRegistry()
	locks.Close()

	res := NewExecutor(locks, diverter.NewSimulatedActuator(0)).Execute(context.Background(), threeSegmentPath(time.Now()))
	assert.Equal(t, ErrorCodeLockUnavailable, res.ErrorCode)
	assert.Equal(t, "EX-9", res.ActualChuteID)
}
