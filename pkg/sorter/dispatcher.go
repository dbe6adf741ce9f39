package sorter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wheelsort/wheelsort/pkg/clock"
	"github.com/wheelsort/wheelsort/pkg/diverter"
	"github.com/wheelsort/wheelsort/pkg/logger"
	"github.com/wheelsort/wheelsort/pkg/queue"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

// Dispatch outcomes reported to metrics and to the completion callback.
const (
	OutcomeActuated  = "actuated"
	OutcomeStale     = "stale"
	OutcomeFault     = "fault"
	OutcomeCancelled = "cancelled"
)

// Dispatcher pulls due actions off the position queues and drives the
// diverters. Each position is drained by at most one worker at a time, so
// actions at one position run in queue order.
type Dispatcher struct {
	queues    queue.Manager
	positions []int
	busy      map[int]*atomic.Bool
	locks     *diverter.Registry
	actuator  diverter.Actuator
	clock     clock.Clock
	log       logger.Logger
	lead      time.Duration
	poll      time.Duration
	pool      *WorkerPool
	onDone    func(it queue.Item, outcome string)

	pauseMu sync.Mutex
	reasons map[string]struct{}
	paused  atomic.Bool
}

func newDispatcher(
	queues queue.Manager,
	layout *topology.Layout,
	locks *diverter.Registry,
	actuator diverter.Actuator,
	cfg Config,
	clk clock.Clock,
	log logger.Logger,
	onDone func(queue.Item, string),
) *Dispatcher {
	d := &Dispatcher{
		queues:   queues,
		busy:     make(map[int]*atomic.Bool),
		locks:    locks,
		actuator: actuator,
		clock:    clk,
		log:      log,
		lead:     cfg.DispatchLead,
		poll:     cfg.PollInterval,
		onDone:   onDone,
		reasons:  make(map[string]struct{}),
	}
	for _, p := range layout.Positions() {
		d.positions = append(d.positions, p.Index)
		d.busy[p.Index] = &atomic.Bool{}
	}
	sort.Ints(d.positions)

	workers := cfg.Workers
	if workers <= 0 {
		workers = len(d.positions)
	}
	d.pool = NewWorkerPool(workers, d.work, log)
	return d
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.pool.Start()
	defer d.pool.Stop()

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.log.Info("dispatcher started", "positions", len(d.positions), "lead", d.lead)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
			d.schedule()
		}
	}
}

func (d *Dispatcher) schedule() {
	if d.Paused() {
		return
	}
	for _, pos := range d.positions {
		busy := d.busy[pos]
		if !busy.CompareAndSwap(false, true) {
			continue
		}
		if !d.pool.TrySubmit(pos) {
			busy.Store(false)
		}
	}
}

func (d *Dispatcher) work(ctx context.Context, position int) {
	defer d.busy[position].Store(false)
	d.drain(ctx, position)
}

// PollOnce drains every due action synchronously and returns how many ran.
func (d *Dispatcher) PollOnce(ctx context.Context) int {
	n := 0
	for _, pos := range d.positions {
		n += d.drain(ctx, pos)
	}
	return n
}

func (d *Dispatcher) drain(ctx context.Context, position int) int {
	n := 0
	for ctx.Err() == nil && !d.Paused() {
		head := d.queues.PeekTask(position)
		if head == nil {
			return n
		}
		if d.clock.Now().Before(head.ExpectedArrivalTime.Add(-d.lead)) {
			return n
		}
		it := d.queues.DequeueTask(position)
		if it == nil {
			return n
		}
		d.process(ctx, it)
		n++
	}
	return n
}

func (d *Dispatcher) process(ctx context.Context, it *queue.Item) {
	now := d.clock.Now()
	direction, outcome := it.Action, OutcomeActuated
	if now.After(it.Deadline()) {
		direction, outcome = it.FallbackAction, OutcomeStale
	}
	if !direction.Valid() {
		direction = topology.Straight
	}

	log := d.log.With("parcel_id", it.ParcelID, "diverter_id", it.DiverterID, "position", it.PositionIndex)

	handle, err := d.locks.Get(it.DiverterID).AcquireWriteLock(ctx)
	if err != nil {
		outcome = OutcomeCancelled
		log.Warn("diverter lock unavailable, action dropped", "error", err)
	} else {
		err = d.actuate(ctx, it.DiverterID, direction)
		handle.Release()
		if err != nil {
			outcome = OutcomeFault
			log.Error("diverter actuation failed", "direction", direction, "error", err)
		} else if outcome == OutcomeStale {
			log.Warn("action arrived late, fallback applied",
				"action", it.Action,
				"fallback", direction,
				"late_by", now.Sub(it.Deadline()),
			)
		}
	}

	metricsRecorder().RecordDispatch(it.PositionIndex, outcome, now.Sub(it.ExpectedArrivalTime))
	if d.onDone != nil {
		d.onDone(it.Snapshot(), outcome)
	}
}

func (d *Dispatcher) actuate(ctx context.Context, diverterID int64, direction topology.Direction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &diverter.FaultError{DiverterID: diverterID, Cause: fmt.Errorf("actuator panic: %v", r)}
		}
	}()
	return d.actuator.SetDirection(ctx, diverterID, direction)
}

// Pause stops dispatch until every reason has been resumed.
func (d *Dispatcher) Pause(reason string) {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	d.reasons[reason] = struct{}{}
	if d.paused.CompareAndSwap(false, true) {
		d.log.Warn("dispatch paused", "reason", reason)
	}
}

// Resume clears one pause reason.
func (d *Dispatcher) Resume(reason string) {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	delete(d.reasons, reason)
	if len(d.reasons) == 0 && d.paused.CompareAndSwap(true, false) {
		d.log.Info("dispatch resumed", "reason", reason)
	}
}

// Paused reports whether dispatch is held.
func (d *Dispatcher) Paused() bool {
	return d.paused.Load()
}

// PauseReasons returns the active pause reasons, sorted.
func (d *Dispatcher) PauseReasons() []string {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	out := make([]string, 0, len(d.reasons))
	for r := range d.reasons {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
