package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wheelsort/wheelsort/pkg/logger"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

// Manager owns one queue per diverter position. Operations on one position
// never block operations on another, and none of them suspend.
type Manager interface {
	EnqueueTask(ctx context.Context, position int, item *Item) error
	EnqueuePriorityTask(ctx context.Context, position int, item *Item) error
	DequeueTask(position int) *Item
	PeekTask(position int) *Item
	RemoveAllTasksForParcel(parcelID int64) int
	UpdateAffectedParcelsToStraight(lostCreatedAt, detectionTime time.Time, exclude ...int64) []int64
	ClearAllQueues() int
	Stats() []PositionStats
	Positions() []int
}

// PositionStats describes one position queue.
type PositionStats struct {
	Position     int        `json:"position"`
	Depth        int        `json:"depth"`
	Capacity     int        `json:"capacity,omitempty"`
	HeadParcelID *int64     `json:"head_parcel_id,omitempty"`
	HeadArrival  *time.Time `json:"head_arrival,omitempty"`
	Enqueued     uint64     `json:"enqueued"`
	Dequeued     uint64     `json:"dequeued"`
}

// Option configures a PositionQueueManager.
type Option func(*PositionQueueManager)

// WithCapacity bounds every position queue for normal enqueues. Zero means
// unbounded. Priority inserts are never rejected.
func WithCapacity(n int) Option {
	return func(m *PositionQueueManager) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(m *PositionQueueManager) {
		m.log = logger.OrNop(log)
	}
}

// PositionQueueManager is the in-memory Manager. Position queues are created
// on first use and live until the manager is discarded.
type PositionQueueManager struct {
	mu       sync.RWMutex
	queues   map[int]*positionQueue
	capacity int
	log      logger.Logger
}

var _ Manager = (*PositionQueueManager)(nil)

// NewManager creates an empty manager.
func NewManager(opts ...Option) *PositionQueueManager {
	m := &PositionQueueManager{
		queues: make(map[int]*positionQueue),
		log:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *PositionQueueManager) queue(position int) *positionQueue {
	m.mu.RLock()
	q, ok := m.queues[position]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok = m.queues[position]; ok {
		return q
	}
	q = newPositionQueue(position)
	m.queues[position] = q
	return q
}

// existing returns the queue for position without creating it.
func (m *PositionQueueManager) existing(position int) *positionQueue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[position]
}

// snapshot returns the queues ordered by position.
func (m *PositionQueueManager) snapshot() []*positionQueue {
	m.mu.RLock()
	out := make([]*positionQueue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].position < out[j].position })
	return out
}

// EnqueueTask adds item in arrival order. A context cancelled before the
// insertion leaves the queue untouched.
func (m *PositionQueueManager) EnqueueTask(ctx context.Context, position int, item *Item) error {
	if item == nil {
		return ErrNilItem
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q := m.queue(position)
	q.mu.Lock()
	if m.capacity > 0 && len(q.heap) >= m.capacity {
		q.mu.Unlock()
		metricsRecorder().RecordQueueOperation(position, "rejected")
		return &QueueFullError{Position: position, Capacity: m.capacity}
	}
	item.PositionIndex = position
	q.push(item)
	depth := len(q.heap)
	q.mu.Unlock()

	metricsRecorder().RecordQueueOperation(position, "enqueue")
	metricsRecorder().RecordQueueDepth(position, depth)
	return nil
}

// EnqueuePriorityTask puts item ahead of every task already queued at
// position. It dequeues first exactly once.
func (m *PositionQueueManager) EnqueuePriorityTask(ctx context.Context, position int, item *Item) error {
	if item == nil {
		return ErrNilItem
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q := m.queue(position)
	q.mu.Lock()
	item.PositionIndex = position
	q.pushFront(item)
	depth := len(q.heap)
	q.mu.Unlock()

	m.log.Debug("priority task inserted", "position", position, "parcel_id", item.ParcelID)
	metricsRecorder().RecordQueueOperation(position, "priority")
	metricsRecorder().RecordQueueDepth(position, depth)
	return nil
}

// DequeueTask removes and returns the head of the position queue, or nil.
func (m *PositionQueueManager) DequeueTask(position int) *Item {
	q := m.existing(position)
	if q == nil {
		return nil
	}
	q.mu.Lock()
	it := q.pop()
	depth := len(q.heap)
	q.mu.Unlock()

	if it != nil {
		metricsRecorder().RecordQueueOperation(position, "dequeue")
		metricsRecorder().RecordQueueDepth(position, depth)
	}
	return it
}

// PeekTask returns a copy of the head of the position queue, or nil.
func (m *PositionQueueManager) PeekTask(position int) *Item {
	q := m.existing(position)
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	head := q.peek()
	if head == nil {
		return nil
	}
	cp := head.Snapshot()
	return &cp
}

// RemoveAllTasksForParcel drops every task of parcelID at every position.
func (m *PositionQueueManager) RemoveAllTasksForParcel(parcelID int64) int {
	total := 0
	for _, q := range m.snapshot() {
		q.mu.Lock()
		removed := q.removeWhere(func(it *Item) bool { return it.ParcelID == parcelID })
		depth := len(q.heap)
		q.mu.Unlock()

		if len(removed) > 0 {
			total += len(removed)
			metricsRecorder().RecordQueueOperation(q.position, "remove")
			metricsRecorder().RecordQueueDepth(q.position, depth)
		}
	}
	if total > 0 {
		m.log.Info("removed parcel tasks", "parcel_id", parcelID, "count", total)
	}
	return total
}

// UpdateAffectedParcelsToStraight rewrites to Straight every queued task
// created in [lostCreatedAt, detectionTime), skipping the excluded parcels.
// It returns the distinct affected parcel ids in ascending order.
func (m *PositionQueueManager) UpdateAffectedParcelsToStraight(lostCreatedAt, detectionTime time.Time, exclude ...int64) []int64 {
	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	affected := make(map[int64]struct{})
	for _, q := range m.snapshot() {
		q.mu.Lock()
		for _, qi := range q.heap {
			it := qi.item
			if _, ok := skip[it.ParcelID]; ok {
				continue
			}
			if it.CreatedAt.Before(lostCreatedAt) || !it.CreatedAt.Before(detectionTime) {
				continue
			}
			it.Action = topology.Straight
			affected[it.ParcelID] = struct{}{}
		}
		q.mu.Unlock()
	}

	ids := make([]int64, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > 0 {
		m.log.Warn("parcels rewritten to straight after loss", "count", len(ids), "parcel_ids", ids)
	}
	return ids
}

// ClearAllQueues drains every position and returns the number of tasks dropped.
func (m *PositionQueueManager) ClearAllQueues() int {
	total := 0
	for _, q := range m.snapshot() {
		q.mu.Lock()
		total += q.clear()
		q.mu.Unlock()
		metricsRecorder().RecordQueueDepth(q.position, 0)
	}
	m.log.Info("all position queues cleared", "dropped", total)
	return total
}

// Stats returns per-position statistics ordered by position.
func (m *PositionQueueManager) Stats() []PositionStats {
	queues := m.snapshot()
	out := make([]PositionStats, 0, len(queues))
	for _, q := range queues {
		q.mu.Lock()
		st := PositionStats{
			Position: q.position,
			Depth:    len(q.heap),
			Capacity: m.capacity,
			Enqueued: q.enqueued,
			Dequeued: q.dequeued,
		}
		if head := q.peek(); head != nil {
			id, at := head.ParcelID, head.ExpectedArrivalTime
			st.HeadParcelID = &id
			st.HeadArrival = &at
		}
		q.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Positions returns every position that has been used, ascending.
func (m *PositionQueueManager) Positions() []int {
	queues := m.snapshot()
	out := make([]int, len(queues))
	for i, q := range queues {
		out[i] = q.position
	}
	return out
}

// TotalDepth returns the number of queued tasks across all positions.
func (m *PositionQueueManager) TotalDepth() int {
	total := 0
	for _, q := range m.snapshot() {
		q.mu.Lock()
		total += len(q.heap)
		q.mu.Unlock()
	}
	return total
}

// Capacity returns the per-position bound, or zero when unbounded.
func (m *PositionQueueManager) Capacity() int {
	return m.capacity
}
