// Package sorter wires route generation, overload admission, the position
// queues and the diverters into the parcel routing service of one line.
package sorter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wheelsort/wheelsort/pkg/clock"
	"github.com/wheelsort/wheelsort/pkg/diverter"
	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/logger"
	"github.com/wheelsort/wheelsort/pkg/overload"
	"github.com/wheelsort/wheelsort/pkg/path"
	"github.com/wheelsort/wheelsort/pkg/queue"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

// ParcelRequest asks for a parcel to be routed to a chute.
type ParcelRequest struct {
	ParcelID      int64     `json:"parcel_id"`
	TargetChuteID string    `json:"target_chute_id"`
	InductedAt    time.Time `json:"inducted_at"`
	// Priority places the actions ahead of everything already queued.
	Priority bool `json:"priority,omitempty"`
}

// Plan is the outcome of routing one parcel.
type Plan struct {
	ParcelID         int64             `json:"parcel_id"`
	RequestedChuteID string            `json:"requested_chute_id"`
	ChuteID          string            `json:"chute_id"`
	Exception        bool              `json:"exception"`
	Reason           string            `json:"reason,omitempty"`
	Decision         overload.Decision `json:"decision"`
	Items            []queue.Item      `json:"items"`
}

// Dependencies are the collaborators a Service drives.
type Dependencies struct {
	Routes   topology.Source
	Layout   *topology.Layout
	Queues   *queue.PositionQueueManager
	Locks    *diverter.Registry
	Actuator diverter.Actuator
	Policy   *overload.AtomicPolicy
	// EMC is optional; without it resets run without peer coordination.
	EMC *emc.Manager
	// Resetter is optional; the default only logs.
	Resetter CardResetter
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = clock.OrSystem(c)
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Service) {
		s.log = logger.OrNop(log)
	}
}

type parcelRecord struct {
	createdAt time.Time
	remaining int
}

// Service routes parcels and runs the dispatcher for one sorter line.
type Service struct {
	cfg         Config
	deps        Dependencies
	generator   path.Generator
	executor    path.Executor
	dispatcher  *Dispatcher
	coordinator *emc.ResetCoordinator
	clock       clock.Clock
	log         logger.Logger

	mu       sync.Mutex
	inflight map[int64]*parcelRecord
	closed   bool
}

// New validates cfg and assembles the service.
func New(cfg Config, deps Dependencies, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Routes == nil:
		return nil, errors.New("sorter: route source is required")
	case deps.Layout == nil:
		return nil, errors.New("sorter: layout is required")
	case deps.Queues == nil:
		return nil, errors.New("sorter: queue manager is required")
	case deps.Locks == nil:
		return nil, errors.New("sorter: lock registry is required")
	case deps.Actuator == nil:
		return nil, errors.New("sorter: actuator is required")
	case deps.Policy == nil:
		return nil, errors.New("sorter: overload policy is required")
	}

	s := &Service{
		cfg:      cfg,
		deps:     deps,
		clock:    clock.System(),
		log:      logger.NewNop(),
		inflight: make(map[int64]*parcelRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("sorter")
	if s.deps.Resetter == nil {
		s.deps.Resetter = loggingResetter{log: s.log}
	}

	s.generator = path.NewGenerator(deps.Routes,
		path.WithSegmentTTL(cfg.SegmentTTL),
		path.WithExceptionChute(cfg.ExceptionChuteID),
		path.WithGeneratorClock(s.clock),
		path.WithGeneratorLogger(s.log),
	)
	s.executor = path.NewExecutor(deps.Locks, deps.Actuator,
		path.WithExecutorClock(s.clock),
		path.WithExecutorLogger(s.log),
		path.WithDefaultFallbackChute(cfg.ExceptionChuteID),
	)
	s.dispatcher = newDispatcher(deps.Queues, deps.Layout, deps.Locks, deps.Actuator, cfg, s.clock, s.log, s.itemDone)
	if deps.EMC != nil {
		s.coordinator = emc.NewResetCoordinator(deps.EMC, cfg.ResetTimeout, cfg.ResetRetries, s.log)
	}
	return s, nil
}

// Dispatcher returns the service's dispatcher.
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

// Run drives the dispatcher and, when EMC is configured, reacts to peer
// resets. It returns when ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	if s.deps.EMC != nil {
		g.Go(func() error { return s.watchPeers(gctx) })
	}
	return g.Wait()
}

// RouteParcel plans the parcel's path, consults the overload policy and
// schedules every diverter action on its position queue. Parcels that cannot
// take their target route go to the exception chute; ErrNoRoute is returned
// only when that is impossible too.
func (s *Service) RouteParcel(ctx context.Context, req ParcelRequest) (*Plan, error) {
	if req.ParcelID <= 0 {
		return nil, ErrInvalidParcel
	}
	now := s.clock.Now()
	if req.InductedAt.IsZero() {
		req.InductedAt = now
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := s.inflight[req.ParcelID]; dup {
		s.mu.Unlock()
		return nil, &ParcelInFlightError{ParcelID: req.ParcelID}
	}
	// Reserve the id so concurrent routes of the same parcel fail fast.
	s.inflight[req.ParcelID] = &parcelRecord{createdAt: now}
	inFlight := len(s.inflight) - 1
	s.mu.Unlock()

	plan, err := s.plan(req, now, inFlight)
	if err == nil {
		s.mu.Lock()
		if rec, ok := s.inflight[req.ParcelID]; ok {
			rec.remaining = len(plan.Items)
		}
		s.mu.Unlock()
		err = s.schedule(ctx, req, plan)
	}
	if err != nil {
		s.forget(req.ParcelID)
		metricsRecorder().RecordParcelRouted("failed")
		return nil, err
	}
	metricsRecorder().RecordInFlight(s.InFlight())

	outcome := "routed"
	if plan.Exception {
		outcome = "exception"
	}
	metricsRecorder().RecordParcelRouted(outcome)
	s.log.Debug("parcel routed",
		"parcel_id", req.ParcelID,
		"target_chute", req.TargetChuteID,
		"chute", plan.ChuteID,
		"exception", plan.Exception,
		"reason", plan.Reason,
	)
	return plan, nil
}

func (s *Service) plan(req ParcelRequest, now time.Time, inFlight int) (*Plan, error) {
	plan := &Plan{ParcelID: req.ParcelID, RequestedChuteID: req.TargetChuteID}

	p := s.generator.GeneratePath(req.TargetChuteID)
	switch {
	case p == nil:
		plan.Reason = "no route"
	default:
		oc, err := s.overloadContext(p, req.InductedAt, now, inFlight)
		if err != nil {
			s.log.Warn("route unusable", "chute_id", req.TargetChuteID, "error", err)
			plan.Reason = err.Error()
			p = nil
			break
		}
		plan.Decision = s.deps.Policy.Evaluate(oc)
		metricsRecorder().RecordOverloadDecision(plan.Decision.ForceException, plan.Decision.Reason)
		if plan.Decision.ForceException {
			plan.Reason = plan.Decision.Reason
			p = nil
		}
	}

	if p == nil {
		plan.Exception = true
		p = s.generator.GeneratePath(s.cfg.ExceptionChuteID)
		if p == nil {
			return nil, ErrNoRoute
		}
	}

	plan.ChuteID = p.TargetChuteID()
	items, err := s.items(req, p, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRoute, err)
	}
	plan.Items = items
	return plan, nil
}

// overloadContext snapshots the load the parcel would be admitted into.
// RemainingTTL is the smallest margin between a segment's expected arrival
// and its expiry; the arrival window is the time left before the parcel
// reaches its first diverter.
func (s *Service) overloadContext(p *path.SwitchingPath, inductedAt, now time.Time, inFlight int) (overload.Context, error) {
	oc := overload.Context{
		CurrentCongestionLevel: s.congestion(inFlight),
		InFlightParcels:        inFlight,
	}
	for i := 0; i < p.Len(); i++ {
		seg := p.Segment(i)
		pos, ok := s.deps.Layout.PositionOf(seg.DiverterID)
		if !ok {
			return overload.Context{}, &UnknownDiverterError{ChuteID: p.TargetChuteID(), DiverterID: seg.DiverterID}
		}
		arrival := inductedAt.Add(pos.TravelTime)
		margin := p.ExpiresAt(i).Sub(arrival)
		if i == 0 || margin < oc.RemainingTTL {
			oc.RemainingTTL = margin
		}
		if i == 0 {
			oc.EstimatedArrivalWindow = arrival.Sub(now)
		}
	}
	return oc, nil
}

func (s *Service) congestion(inFlight int) overload.CongestionLevel {
	policy := s.deps.Policy.Load()
	positions := len(s.deps.Layout.Positions())
	if capacity := s.deps.Queues.Capacity(); capacity > 0 && positions > 0 {
		return policy.CongestionFromUtilization(float64(s.deps.Queues.TotalDepth()) / float64(capacity*positions))
	}
	if limit := policy.Options().MaxInFlightParcels; limit > 0 {
		return policy.CongestionFromUtilization(float64(inFlight) / float64(limit))
	}
	return overload.Normal
}

func (s *Service) items(req ParcelRequest, p *path.SwitchingPath, now time.Time) ([]queue.Item, error) {
	items := make([]queue.Item, 0, p.Len())
	for _, seg := range p.Segments() {
		pos, ok := s.deps.Layout.PositionOf(seg.DiverterID)
		if !ok {
			return nil, &UnknownDiverterError{ChuteID: p.TargetChuteID(), DiverterID: seg.DiverterID}
		}
		items = append(items, queue.Item{
			ParcelID:            req.ParcelID,
			PositionIndex:       pos.Index,
			DiverterID:          seg.DiverterID,
			Action:              seg.TargetDirection,
			ExpectedArrivalTime: req.InductedAt.Add(pos.TravelTime),
			TimeoutThreshold:    s.cfg.ItemTimeout,
			FallbackAction:      s.cfg.FallbackAction,
			CreatedAt:           now,
		})
	}
	return items, nil
}

func (s *Service) schedule(ctx context.Context, req ParcelRequest, plan *Plan) error {
	for i := range plan.Items {
		it := plan.Items[i]
		var err error
		if req.Priority {
			err = s.deps.Queues.EnqueuePriorityTask(ctx, it.PositionIndex, &it)
		} else {
			err = s.deps.Queues.EnqueueTask(ctx, it.PositionIndex, &it)
		}
		if err != nil {
			s.deps.Queues.RemoveAllTasksForParcel(req.ParcelID)
			return fmt.Errorf("sorter: schedule parcel %d: %w", req.ParcelID, err)
		}
	}
	return nil
}

// ExecuteRoute drives the route to chuteID immediately, outside the queues.
// It is meant for commissioning and manual operation.
func (s *Service) ExecuteRoute(ctx context.Context, chuteID string) path.ExecutionResult {
	return s.executor.Execute(ctx, s.generator.GeneratePath(chuteID))
}

// HandleParcelLost drops the lost parcel's remaining actions and turns every
// parcel created while it was on the belt to straight. A zero lostCreatedAt
// uses the time the parcel was routed; a zero detectedAt means now. It
// returns the affected parcel ids.
func (s *Service) HandleParcelLost(parcelID int64, lostCreatedAt, detectedAt time.Time) []int64 {
	s.mu.Lock()
	if rec, ok := s.inflight[parcelID]; ok && lostCreatedAt.IsZero() {
		lostCreatedAt = rec.createdAt
	}
	delete(s.inflight, parcelID)
	s.mu.Unlock()

	if detectedAt.IsZero() {
		detectedAt = s.clock.Now()
	}

	removed := s.deps.Queues.RemoveAllTasksForParcel(parcelID)
	if lostCreatedAt.IsZero() {
		s.log.Warn("lost parcel unknown, no followers rewritten", "parcel_id", parcelID, "removed", removed)
		return nil
	}
	affected := s.deps.Queues.UpdateAffectedParcelsToStraight(lostCreatedAt, detectedAt, parcelID)
	s.log.Warn("parcel lost",
		"parcel_id", parcelID,
		"removed_tasks", removed,
		"affected_parcels", len(affected),
	)
	return affected
}

// CancelParcel removes every pending action of the parcel and returns how
// many were removed.
func (s *Service) CancelParcel(parcelID int64) int {
	s.forget(parcelID)
	return s.deps.Queues.RemoveAllTasksForParcel(parcelID)
}

// ClearAllQueues drops every pending action and returns how many were
// removed.
func (s *Service) ClearAllQueues() int {
	s.mu.Lock()
	s.inflight = make(map[int64]*parcelRecord)
	s.mu.Unlock()
	metricsRecorder().RecordInFlight(0)
	return s.deps.Queues.ClearAllQueues()
}

// InFlight returns the number of parcels with pending actions.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Snapshot describes the current state of the line.
type Snapshot struct {
	Queues       []queue.PositionStats    `json:"queues"`
	InFlight     int                      `json:"in_flight"`
	Congestion   overload.CongestionLevel `json:"congestion"`
	Paused       bool                     `json:"paused"`
	PauseReasons []string                 `json:"pause_reasons,omitempty"`
}

// Snapshot returns queue statistics and dispatch state.
func (s *Service) Snapshot() Snapshot {
	inFlight := s.InFlight()
	return Snapshot{
		Queues:       s.deps.Queues.Stats(),
		InFlight:     inFlight,
		Congestion:   s.congestion(inFlight),
		Paused:       s.dispatcher.Paused(),
		PauseReasons: s.dispatcher.PauseReasons(),
	}
}

// Close stops accepting parcels. Run must be stopped through its context.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Service) forget(parcelID int64) {
	s.mu.Lock()
	delete(s.inflight, parcelID)
	count := len(s.inflight)
	s.mu.Unlock()
	metricsRecorder().RecordInFlight(count)
}

func (s *Service) itemDone(it queue.Item, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inflight[it.ParcelID]
	if !ok {
		return
	}
	rec.remaining--
	if rec.remaining <= 0 {
		delete(s.inflight, it.ParcelID)
	}
}
