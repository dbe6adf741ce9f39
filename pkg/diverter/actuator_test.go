package diverter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelsort/wheelsort/pkg/topology"
)

func TestSimulatedActuator_RecordsCommands(t *testing.T) {
	act := NewSimulatedActuator(0)
	require.NoError(t, act.SetDirection(context.Background(), 1, topology.Left))
	require.NoError(t, act.SetDirection(context.Background(), 2, topology.Right))

	cmds := act.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, int64(1), cmds[0].DiverterID)
	assert.Equal(t, topology.Right, cmds[1].Direction)

	d, ok := act.Direction(1)
	assert.True(t, ok)
	assert.Equal(t, topology.Left, d)
}

func TestSimulatedActuator_Fault(t *testing.T) {
	act := NewSimulatedActuator(0)
	act.InjectFault(3, errors.New("coil open"))

	err := act.SetDirection(context.Background(), 3, topology.Left)
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, int64(3), fault.DiverterID)

	act.InjectFault(3, nil)
	assert.NoError(t, act.SetDirection(context.Background(), 3, topology.Left))
}

func TestSimulatedActuator_DelayHonoursCancellation(t *testing.T) {
	act := NewSimulatedActuator(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := act.SetDirection(ctx, 1, topology.Left)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, act.Commands())
}
