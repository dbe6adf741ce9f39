package emc

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wheelsort/wheelsort/pkg/clock"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

const (
	// DefaultHandshakeTimeout bounds a request when the caller passes zero.
	DefaultHandshakeTimeout = 5 * time.Second
	defaultPublishTimeout   = 3 * time.Second
	defaultSubscriberBuffer = 32
)

// Option configures a Manager.
type Option func(*Manager)

// WithInstanceID sets the identity stamped on outgoing events.
func WithInstanceID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.instanceID = id
		}
	}
}

// WithClock injects the clock used for handshake timeouts.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clock.OrSystem(c)
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		m.log = logger.OrNop(log)
	}
}

// WithDefaultTimeout overrides DefaultHandshakeTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithPublishTimeout bounds fire-and-forget publishes.
func WithPublishTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.publishTimeout = d
		}
	}
}

// WithAutoAcknowledge controls whether peer requests are acknowledged
// automatically. It is on by default.
func WithAutoAcknowledge(enabled bool) Option {
	return func(m *Manager) {
		m.autoAck = enabled
	}
}

// WithSubscriberBuffer sets the per-subscriber channel size.
func WithSubscriberBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.subBuffer = n
		}
	}
}

// Manager runs the EMC lock handshake over a Transport. The pending table is
// shared by the send path and the receive loop.
type Manager struct {
	instanceID     string
	transport      Transport
	clock          clock.Clock
	log            logger.Logger
	defaultTimeout time.Duration
	publishTimeout time.Duration
	autoAck        bool
	subBuffer      int

	mu      sync.Mutex
	pending map[string]chan *Event

	subMu       sync.RWMutex
	subscribers map[uint64]chan *Event
	nextSub     uint64

	startMu   sync.Mutex
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a manager over transport. The instance id defaults to
// hostname plus a random suffix.
func NewManager(transport Transport, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		instanceID:     defaultInstanceID(),
		transport:      transport,
		clock:          clock.System(),
		log:            logger.NewNop(),
		defaultTimeout: DefaultHandshakeTimeout,
		publishTimeout: defaultPublishTimeout,
		autoAck:        true,
		subBuffer:      defaultSubscriberBuffer,
		pending:        make(map[string]chan *Event),
		subscribers:    make(map[uint64]chan *Event),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("instance_id", m.instanceID, "transport", transport.Name())
	return m
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "wheelsort"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// InstanceID returns the identity of this instance.
func (m *Manager) InstanceID() string { return m.instanceID }

// IsConnected reports whether the manager is running over a healthy transport.
func (m *Manager) IsConnected() bool {
	return m.started.Load() && !m.closed.Load() && m.transport.Healthy()
}

// Start connects the transport and launches the receive loop. Calling it on
// a running manager is a no-op; a failed Start may be retried.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.closed.Load() {
		return ErrManagerClosed
	}
	if m.started.Load() {
		return nil
	}
	if err := m.transport.Connect(ctx); err != nil {
		Metrics().RecordTransportFailure(m.transport.Name(), "connect")
		m.log.Error("emc transport connect failed", "error", err)
		return &TransportError{Transport: m.transport.Name(), Op: "connect", Cause: err}
	}
	m.started.Store(true)
	m.wg.Add(1)
	go m.receiveLoop()
	m.log.Info("emc manager started")
	return nil
}

// Close stops the receive loop, closes the transport and every subscriber
// channel, and fails in-flight waits. Idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.startMu.Lock()
		m.closed.Store(true)
		m.startMu.Unlock()
		m.cancel()
		err = m.transport.Close()
		m.wg.Wait()

		m.subMu.Lock()
		for id, ch := range m.subscribers {
			close(ch)
			delete(m.subscribers, id)
		}
		m.subMu.Unlock()
		m.log.Info("emc manager closed")
	})
	return err
}

// Subscribe returns a channel of events received from other instances and a
// function that cancels the subscription. Slow subscribers lose the oldest
// buffered events.
func (m *Manager) Subscribe() (<-chan *Event, func()) {
	ch := make(chan *Event, m.subBuffer)

	m.subMu.Lock()
	if m.closed.Load() {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if existing, ok := m.subscribers[id]; ok {
				delete(m.subscribers, id)
				close(existing)
			}
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (m *Manager) Subscribers() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subscribers)
}

// RequestLock asks peers to stop using cardNo and waits for confirmation.
// A false result with a nil error means no peer confirmed in time. A
// cancelled ctx returns its error; a publish the transport rejects returns a
// *TransportError.
func (m *Manager) RequestLock(ctx context.Context, cardNo int, timeout time.Duration) (bool, error) {
	return m.await(ctx, RequestLock, cardNo, timeout)
}

// NotifyColdReset announces a cold reset of cardNo and waits for confirmation.
func (m *Manager) NotifyColdReset(ctx context.Context, cardNo int, timeout time.Duration) (bool, error) {
	return m.await(ctx, ColdReset, cardNo, timeout)
}

// NotifyHotReset announces a hot reset of cardNo and waits for confirmation.
func (m *Manager) NotifyHotReset(ctx context.Context, cardNo int, timeout time.Duration) (bool, error) {
	return m.await(ctx, HotReset, cardNo, timeout)
}

// ReleaseLock tells peers cardNo is free again.
func (m *Manager) ReleaseLock(ctx context.Context, cardNo int) bool {
	return m.fire(ctx, m.newEvent(ReleaseLock, "", cardNo, 0))
}

// NotifyResetComplete tells peers the reset of cardNo has finished.
func (m *Manager) NotifyResetComplete(ctx context.Context, cardNo int) bool {
	return m.fire(ctx, m.newEvent(ResetComplete, "", cardNo, 0))
}

// SendAcknowledge answers the request identified by eventID.
func (m *Manager) SendAcknowledge(ctx context.Context, eventID string, cardNo int) bool {
	if eventID == "" {
		return false
	}
	return m.fire(ctx, m.newEvent(Acknowledge, eventID, cardNo, 0))
}

// SendReady confirms this instance has stopped using the resource named by
// the request eventID.
func (m *Manager) SendReady(ctx context.Context, eventID string, cardNo int) bool {
	if eventID == "" {
		return false
	}
	return m.fire(ctx, m.newEvent(Ready, eventID, cardNo, 0))
}

// PendingRequests returns the number of outstanding handshakes.
func (m *Manager) PendingRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) newEvent(t NotificationType, eventID string, cardNo int, timeout time.Duration) *Event {
	if eventID == "" {
		eventID = uuid.NewString()
	}
	return &Event{
		EventID:          eventID,
		InstanceID:       m.instanceID,
		NotificationType: t,
		CardNo:           cardNo,
		TimeoutMs:        timeout.Milliseconds(),
		Timestamp:        m.clock.Now().UTC(),
	}
}

func (m *Manager) await(ctx context.Context, t NotificationType, cardNo int, timeout time.Duration) (bool, error) {
	if m.closed.Load() {
		return false, ErrManagerClosed
	}
	if !m.started.Load() {
		return false, ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	ev := m.newEvent(t, "", cardNo, timeout)
	wait := make(chan *Event, 1)

	m.mu.Lock()
	m.pending[ev.EventID] = wait
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, ev.EventID)
		m.mu.Unlock()
	}()

	start := m.clock.Now()
	// Armed before publishing so a fake clock sees the timer immediately.
	expired := m.clock.After(timeout)

	log := m.log.With("event_id", ev.EventID, "notification", string(t), "card_no", cardNo)
	if err := m.publish(ctx, ev); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			Metrics().RecordHandshake(string(t), "cancelled", m.clock.Now().Sub(start))
			return false, ctxErr
		}
		log.WarnContext(ctx, "emc request not sent", "error", err)
		Metrics().RecordHandshake(string(t), "send_failed", 0)
		if !IsTransportError(err) {
			err = &TransportError{Transport: m.transport.Name(), Op: "publish", Cause: err}
		}
		return false, err
	}
	log.InfoContext(ctx, "emc request published", "timeout_ms", ev.TimeoutMs)

	select {
	case resp := <-wait:
		log.InfoContext(ctx, "emc request confirmed",
			"peer", resp.InstanceID,
			"response", string(resp.NotificationType),
		)
		Metrics().RecordHandshake(string(t), "confirmed", m.clock.Now().Sub(start))
		return true, nil
	case <-expired:
		log.WarnContext(ctx, "emc request timed out", "timeout_ms", ev.TimeoutMs)
		Metrics().RecordHandshake(string(t), "timeout", m.clock.Now().Sub(start))
		return false, nil
	case <-ctx.Done():
		Metrics().RecordHandshake(string(t), "cancelled", m.clock.Now().Sub(start))
		return false, ctx.Err()
	case <-m.ctx.Done():
		return false, ErrManagerClosed
	}
}

func (m *Manager) fire(ctx context.Context, ev *Event) bool {
	if m.closed.Load() || !m.started.Load() {
		m.log.Warn("emc publish skipped, manager not running",
			"notification", string(ev.NotificationType),
			"event_id", ev.EventID,
		)
		return false
	}
	if err := m.publish(ctx, ev); err != nil {
		m.log.WarnContext(ctx, "emc publish failed",
			"notification", string(ev.NotificationType),
			"event_id", ev.EventID,
			"card_no", ev.CardNo,
			"error", err,
		)
		return false
	}
	return true
}

func (m *Manager) publish(ctx context.Context, ev *Event) error {
	pubCtx, cancel := context.WithTimeout(ctx, m.publishTimeout)
	defer cancel()
	if err := m.transport.Publish(pubCtx, ev); err != nil {
		Metrics().RecordTransportFailure(m.transport.Name(), "publish")
		return err
	}
	Metrics().RecordEventSent(m.transport.Name(), string(ev.NotificationType))
	return nil
}

func (m *Manager) receiveLoop() {
	defer m.wg.Done()
	events := m.transport.Events()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if !m.closed.Load() {
					m.log.Warn("emc transport event stream ended")
				}
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev *Event) {
	if err := ev.Validate(); err != nil {
		m.log.Debug("emc event dropped", "error", err)
		return
	}
	Metrics().RecordEventReceived(m.transport.Name(), string(ev.NotificationType))

	own := ev.InstanceID == m.instanceID

	if ev.NotificationType.IsResponse() {
		m.resolve(ev)
	}
	if own {
		return
	}

	m.notify(ev)

	if ev.NotificationType.IsRequest() && m.autoAck {
		m.wg.Add(1)
		go m.acknowledge(ev)
	}
}

// resolve completes the pending request carrying ev.EventID, whichever
// instance sent the response.
func (m *Manager) resolve(ev *Event) {
	m.mu.Lock()
	wait, ok := m.pending[ev.EventID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case wait <- ev:
	default:
	}
}

func (m *Manager) notify(ev *Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subscribers {
		if !Deliver(ch, ev.Clone()) {
			m.log.Warn("emc subscriber overflow", "event_id", ev.EventID)
		}
	}
}

func (m *Manager) acknowledge(req *Event) {
	defer m.wg.Done()
	ack := m.newEvent(Acknowledge, req.EventID, req.CardNo, 0)
	ack.Message = fmt.Sprintf("ack %s from %s", req.NotificationType, m.instanceID)
	if err := m.publish(m.ctx, ack); err != nil {
		m.log.Warn("emc auto acknowledge failed",
			"event_id", req.EventID,
			"peer", req.InstanceID,
			"error", err,
		)
		return
	}
	m.log.Debug("emc request acknowledged", "event_id", req.EventID, "peer", req.InstanceID)
}
