package diverter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wheelsort/wheelsort/pkg/topology"
)

// Actuator commands a single diverter. Implementations talk to the
// hardware; failures are returned as errors and never retried here.
type Actuator interface {
	SetDirection(ctx context.Context, diverterID int64, direction topology.Direction) error
}

// ActuatorFunc adapts a function to the Actuator interface.
type ActuatorFunc func(ctx context.Context, diverterID int64, direction topology.Direction) error

// SetDirection implements Actuator.
func (f ActuatorFunc) SetDirection(ctx context.Context, diverterID int64, direction topology.Direction) error {
	return f(ctx, diverterID, direction)
}

// FaultError reports a hardware failure on one diverter.
type FaultError struct {
	DiverterID int64
	Cause      error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("diverter %d fault: %v", e.DiverterID, e.Cause)
}

func (e *FaultError) Unwrap() error { return e.Cause }

// Command is one recorded actuation.
type Command struct {
	DiverterID int64
	Direction  topology.Direction
	At         time.Time
}

// SimulatedActuator records commands instead of driving hardware. It can be
// told to fail specific diverters and to take a fixed time per command.
type SimulatedActuator struct {
	mu       sync.Mutex
	commands []Command
	state    map[int64]topology.Direction
	faults   map[int64]error
	delay    time.Duration
}

// NewSimulatedActuator creates a simulator with the given per-command delay.
func NewSimulatedActuator(delay time.Duration) *SimulatedActuator {
	return &SimulatedActuator{
		state:  make(map[int64]topology.Direction),
		faults: make(map[int64]error),
		delay:  delay,
	}
}

// SetDirection records the command after the simulated switching delay.
func (s *SimulatedActuator) SetDirection(ctx context.Context, diverterID int64, direction topology.Direction) error {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults[diverterID]; err != nil {
		return &FaultError{DiverterID: diverterID, Cause: err}
	}
	s.state[diverterID] = direction
	s.commands = append(s.commands, Command{DiverterID: diverterID, Direction: direction, At: time.Now()})
	return nil
}

// InjectFault makes every later command on diverterID fail with err. A nil
// err clears the fault.
func (s *SimulatedActuator) InjectFault(diverterID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, diverterID)
		return
	}
	s.faults[diverterID] = err
}

// Commands returns a copy of the recorded commands.
func (s *SimulatedActuator) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// Direction returns the last direction commanded for the diverter.
func (s *SimulatedActuator) Direction(diverterID int64) (topology.Direction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.state[diverterID]
	return d, ok
}
