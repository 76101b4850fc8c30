package remote

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SubscriptionState is the lifecycle of one remote subscription.
type SubscriptionState string

// Subscription states.
const (
	SubAwaitingAck SubscriptionState = "awaiting-ack"
	SubActive      SubscriptionState = "active"
	SubFailed      SubscriptionState = "failed"
)

// CompletionReason explains why an acknowledged subscription ended.
type CompletionReason string

// Completion reasons.
const (
	// ReasonIdle: no event arrived within the idle window.
	ReasonIdle CompletionReason = "idle"
	// ReasonMaxDuration: the hard overall timeout elapsed.
	ReasonMaxDuration CompletionReason = "max_duration"
	// ReasonReaped: the external requestor no longer wants the events.
	ReasonReaped CompletionReason = "reaped"
	// ReasonClosed: completed explicitly.
	ReasonClosed CompletionReason = "closed"
	// ReasonConnectionLost: the socket closed underneath the subscription.
	ReasonConnectionLost CompletionReason = "connection_lost"
)

// SubscriptionHandler receives an acknowledged subscription's lifecycle.
// All calls for one subscription happen on a single goroutine in order:
// Acked, then Event for each accepted event, then Completed exactly once.
// A subscription that is never acknowledged produces no calls.
type SubscriptionHandler interface {
	Acked(ctx context.Context, sub *Subscription) error
	Event(ctx context.Context, sub *Subscription, ev Event) error
	Completed(ctx context.Context, sub *Subscription, reason CompletionReason)
}

// Requestors answers which external request IDs still want their events.
type Requestors interface {
	StillWanted(ctx context.Context, requestIDs []string) (map[string]bool, error)
}

// SubscribeRequest describes a subscription to open.
type SubscribeRequest struct {
	// RequestID is the external requestor's ID (the queue entry).
	RequestID string
	Type      string
	Payload   []byte
}

// Subscription is one live subscription. Its correlation ID stays registered
// until the subscription completes.
type Subscription struct {
	CorrelationID int64
	RequestID     string

	mgr     *Subscriptions
	handler SubscriptionHandler

	mu         sync.Mutex
	state      SubscriptionState
	remoteID   int64
	err        error
	queue      []Event
	completed  bool
	reason     CompletionReason
	eventCount int
	idleTimer  *time.Timer
	maxTimer   *time.Timer

	acked *closeOnce
	wake  chan struct{}
	done  *closeOnce
}

// State returns the subscription state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteID returns the controller's subscription ID, zero until acknowledged.
func (s *Subscription) RemoteID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// EventCount returns the number of events accepted so far.
func (s *Subscription) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventCount
}

// Done is closed once the handler has seen Completed, or immediately when the
// subscription fails before acknowledgement.
func (s *Subscription) Done() <-chan struct{} {
	return s.done.Done()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// accept queues ev for delivery. Events are refused after completion.
func (s *Subscription) accept(ev Event) bool {
	s.mu.Lock()
	if s.completed || s.state == SubFailed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.eventCount++
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.mgr.cfg.IdleTimeout)
	}
	s.mu.Unlock()
	s.signal()
	return true
}

// ack applies the controller's reply to the subscribe request.
func (s *Subscription) ack(f Frame) {
	s.mu.Lock()
	if s.state != SubAwaitingAck || s.completed {
		s.mu.Unlock()
		return
	}
	if f.Success {
		s.state = SubActive
		s.remoteID = s.CorrelationID
		if s.mgr.cfg.IdleTimeout > 0 {
			s.idleTimer = time.AfterFunc(s.mgr.cfg.IdleTimeout, func() {
				s.mgr.complete(s, ReasonIdle, true)
			})
		}
	} else {
		s.state = SubFailed
		s.err = f.Error
		s.completed = true
		s.stopTimersLocked()
	}
	failed := s.state == SubFailed
	s.mu.Unlock()

	if failed {
		s.mgr.remove(s)
	}
	s.acked.Close()
	s.signal()
}

func (s *Subscription) stopTimersLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.maxTimer != nil {
		s.maxTimer.Stop()
	}
}

// pump delivers handler calls in order on its own goroutine.
func (s *Subscription) pump() {
	defer s.done.Close()

	<-s.acked.Done()
	if s.State() != SubActive {
		return
	}

	ctx := context.Background()
	if err := s.handler.Acked(ctx, s); err != nil {
		s.mgr.logger.Warn("subscription ack handler failed", "request_id", s.RequestID, "error", err)
	}

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		completed := s.completed
		reason := s.reason
		s.mu.Unlock()

		if len(batch) > 0 {
			for _, ev := range batch {
				if err := s.handler.Event(ctx, s, ev); err != nil {
					s.mgr.logger.Warn("subscription event handler failed", "request_id", s.RequestID, "error", err)
				}
			}
			continue
		}

		if completed {
			s.handler.Completed(ctx, s, reason)
			return
		}

		<-s.wake
	}
}

// SubscriptionsConfig tunes the Subscription Manager.
type SubscriptionsConfig struct {
	// IdleTimeout completes an acknowledged subscription with no new events.
	IdleTimeout time.Duration

	// MaxDuration completes any subscription after this long.
	MaxDuration time.Duration

	// ReaperInterval is how often unwanted subscriptions are removed.
	ReaperInterval time.Duration

	// UnsubscribeTimeout bounds the best-effort unsubscribe request.
	UnsubscribeTimeout time.Duration
}

// Default Subscription Manager settings.
const (
	DefaultSubscriptionIdle        = 5 * time.Second
	DefaultSubscriptionMaxDuration = 60 * time.Second
	DefaultReaperInterval          = 30 * time.Second
	defaultUnsubscribeTimeout      = 5 * time.Second
)

// sendFunc issues a one-shot request on the owning session.
type sendFunc func(ctx context.Context, msgType string, payload []byte, timeout time.Duration) ([]byte, error)

// Subscriptions tracks the subscriptions of one session by correlation ID.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Removal is idempotent, so the
//     reaper, the idle timers and explicit completion may race on the same
//     subscription.
type Subscriptions struct {
	cfg    SubscriptionsConfig
	send   sendFunc
	logger Logger

	mu   sync.Mutex
	byID map[int64]*Subscription

	requestorsMu sync.RWMutex
	requestors   Requestors
}

func newSubscriptions(cfg SubscriptionsConfig, send sendFunc, logger Logger) *Subscriptions {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultSubscriptionMaxDuration
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = DefaultReaperInterval
	}
	if cfg.UnsubscribeTimeout <= 0 {
		cfg.UnsubscribeTimeout = defaultUnsubscribeTimeout
	}
	return &Subscriptions{
		cfg:    cfg,
		send:   send,
		logger: logger,
		byID:   make(map[int64]*Subscription),
	}
}

// SetRequestors sets the registry the reaper consults.
func (m *Subscriptions) SetRequestors(r Requestors) {
	m.requestorsMu.Lock()
	m.requestors = r
	m.requestorsMu.Unlock()
}

// register adds an awaiting-ack subscription and starts its pump.
func (m *Subscriptions) register(id int64, req SubscribeRequest, h SubscriptionHandler) *Subscription {
	sub := &Subscription{
		CorrelationID: id,
		RequestID:     req.RequestID,
		mgr:           m,
		handler:       h,
		state:         SubAwaitingAck,
		acked:         newCloseOnce(),
		wake:          make(chan struct{}, 1),
		done:          newCloseOnce(),
	}
	sub.maxTimer = time.AfterFunc(m.cfg.MaxDuration, func() {
		m.complete(sub, ReasonMaxDuration, true)
	})

	m.mu.Lock()
	m.byID[id] = sub
	m.mu.Unlock()

	go sub.pump()
	return sub
}

// lookup returns the subscription registered under a correlation ID.
func (m *Subscriptions) lookup(id int64) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// Len returns the number of tracked subscriptions.
func (m *Subscriptions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// remove deletes sub if it is still the one registered under its ID.
func (m *Subscriptions) remove(sub *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID[sub.CorrelationID] != sub {
		return false
	}
	delete(m.byID, sub.CorrelationID)
	return true
}

// discard drops a subscription that was never acknowledged.
func (m *Subscriptions) discard(sub *Subscription) {
	sub.mu.Lock()
	if sub.state == SubAwaitingAck {
		sub.state = SubFailed
	}
	sub.completed = true
	sub.stopTimersLocked()
	sub.mu.Unlock()

	m.remove(sub)
	sub.acked.Close()
	sub.signal()
}

// complete ends sub once. Later calls are no-ops and report false. When
// unsubscribe is set and the subscription was acknowledged, a best-effort
// unsubscribe request is sent; its failure is logged.
func (m *Subscriptions) complete(sub *Subscription, reason CompletionReason, unsubscribe bool) bool {
	sub.mu.Lock()
	if sub.completed {
		sub.mu.Unlock()
		return false
	}
	sub.completed = true
	sub.reason = reason
	sub.stopTimersLocked()
	wasActive := sub.state == SubActive
	awaiting := sub.state == SubAwaitingAck
	if awaiting {
		sub.state = SubFailed
	}
	remoteID := sub.remoteID
	sub.mu.Unlock()

	m.remove(sub)
	if awaiting {
		sub.acked.Close()
	}
	sub.signal()

	if unsubscribe && wasActive {
		m.unsubscribe(sub.RequestID, remoteID)
	}

	m.logger.Debug("subscription completed",
		"request_id", sub.RequestID,
		"correlation_id", sub.CorrelationID,
		"reason", string(reason),
		"events", sub.EventCount(),
	)
	return true
}

func (m *Subscriptions) unsubscribe(requestID string, remoteID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.UnsubscribeTimeout)
	defer cancel()
	if _, err := m.send(ctx, "unsubscribe_events", unsubscribePayload(remoteID), m.cfg.UnsubscribeTimeout); err != nil {
		m.logger.Warn("unsubscribe failed", "request_id", requestID, "subscription", remoteID, "error", err)
	}
}

// Complete ends the subscription registered under correlationID.
// It reports false when no such subscription is live.
func (m *Subscriptions) Complete(correlationID int64) bool {
	sub := m.lookup(correlationID)
	if sub == nil {
		return false
	}
	return m.complete(sub, ReasonClosed, true)
}

// CompleteRequest ends every subscription owned by requestID.
func (m *Subscriptions) CompleteRequest(requestID string) int {
	n := 0
	for _, sub := range m.snapshot() {
		if sub.RequestID == requestID && m.complete(sub, ReasonClosed, true) {
			n++
		}
	}
	return n
}

func (m *Subscriptions) snapshot() []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]*Subscription, 0, len(m.byID))
	for _, sub := range m.byID {
		subs = append(subs, sub)
	}
	return subs
}

// failAll completes every subscription after the socket closed. No
// unsubscribe is attempted.
func (m *Subscriptions) failAll() {
	for _, sub := range m.snapshot() {
		m.complete(sub, ReasonConnectionLost, false)
	}
}

// Reap performs one batched "still wanted" check and completes every
// acknowledged subscription its requestor no longer wants. Each removal
// re-verifies that the subscription is still registered.
func (m *Subscriptions) Reap(ctx context.Context) (int, error) {
	m.requestorsMu.RLock()
	requestors := m.requestors
	m.requestorsMu.RUnlock()
	if requestors == nil {
		return 0, nil
	}

	var candidates []*Subscription
	for _, sub := range m.snapshot() {
		if sub.State() == SubActive {
			candidates = append(candidates, sub)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(candidates))
	for _, sub := range candidates {
		ids = append(ids, sub.RequestID)
	}

	wanted, err := requestors.StillWanted(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("checking requestors: %w", err)
	}

	reaped := 0
	for _, sub := range candidates {
		if wanted[sub.RequestID] {
			continue
		}
		if m.lookup(sub.CorrelationID) != sub {
			continue
		}
		if m.complete(sub, ReasonReaped, true) {
			reaped++
		}
	}
	return reaped, nil
}

// runReaper calls Reap every ReaperInterval until ctx is cancelled.
func (m *Subscriptions) runReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Reap(ctx)
			if err != nil {
				m.logger.Warn("subscription reaper failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("reaped unwanted subscriptions", "count", n)
			}
		}
	}
}
