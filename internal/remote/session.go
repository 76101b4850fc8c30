package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Default session timeouts and sizes.
const (
	DefaultRequestTimeout   = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second

	// Registry list replies for large installations run to several MB.
	defaultMaxMessageSize = 16 << 20

	defaultEventWorkers   = 4
	defaultEventQueueSize = 256

	websocketPath = "/api/websocket"
)

// State is the connection state machine.
type State int

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StatePermanentlyStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StatePermanentlyStopped:
		return "permanently_stopped"
	default:
		return "unknown"
	}
}

// Transition is one state change, delivered to the StateListener in order.
type Transition struct {
	InstanceID int64
	State      State
	Previous   State

	// Delay is set when State is StateReconnecting.
	Delay time.Duration

	// Failures is the consecutive failure count after the change.
	Failures int

	// Err is the failure that caused the change, if any.
	Err error
	At  time.Time
}

// StateListener observes state transitions. It is called synchronously from
// the session's run goroutine and must not block.
type StateListener func(Transition)

// EventHandler receives push events not claimed by a pending request or a
// subscription.
type EventHandler func(ctx context.Context, ev Event)

// ConnectedHook runs in its own goroutine after each successful connect. ctx
// is cancelled when that connection ends.
type ConnectedHook func(ctx context.Context)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Config holds the settings for one session.
type Config struct {
	InstanceID int64

	// Endpoint is the controller base URL (http, https, ws or wss).
	Endpoint   string
	Credential string

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReconnectDelays  []time.Duration
	MaxFailures      int

	// PingInterval of zero disables keepalive pings.
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64

	Subscriptions SubscriptionsConfig

	// EventCategories are subscribed on every connect. Nil selects
	// DefaultEventCategories.
	EventCategories []EventKind

	EventWorkers   int
	EventQueueSize int
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.EventCategories == nil {
		c.EventCategories = DefaultEventCategories
	}
	if c.EventWorkers <= 0 {
		c.EventWorkers = defaultEventWorkers
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = defaultEventQueueSize
	}
}

// Stats holds operational counters.
type Stats struct {
	State         State
	Failures      int
	FramesRx      uint64
	FramesDropped uint64
	EventsDropped uint64
	RequestsTx    uint64
	Connects      uint64
	Pending       int
	Subscriptions int
	LastActivity  time.Time
}

// Session owns the single socket to one remote controller instance.
//
// Thread Safety:
//   - Send, Subscribe, State and Stats are safe for concurrent use.
//   - Run must be called once; a second concurrent Run returns ErrAlreadyRunning.
//
// Reconnection:
//   - Every closed connection, dial error or handshake failure counts as one
//     consecutive failure. The delay before the next attempt comes from the
//     Backoff table. Reaching the failure budget ends Run with
//     ErrPermanentlyStopped.
type Session struct {
	cfg     Config
	dialer  *websocket.Dialer
	logger  Logger
	backoff *Backoff
	subs    *Subscriptions

	running atomic.Bool
	nextID  atomic.Int64

	stateMu  sync.RWMutex
	state    State
	listener StateListener

	connMu sync.RWMutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan Frame

	hooksMu  sync.RWMutex
	hooks    []ConnectedHook
	handlers []EventHandler

	eventQueue chan Event

	framesRx      atomic.Uint64
	framesDropped atomic.Uint64
	eventsDropped atomic.Uint64
	requestsTx    atomic.Uint64
	connects      atomic.Uint64
	lastActivity  atomic.Int64
	failures      atomic.Int32
}

// NewSession creates a session. It does not connect until Run is called.
func NewSession(cfg Config) *Session {
	cfg.applyDefaults()

	s := &Session{
		cfg:        cfg,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:     noopLogger{},
		backoff:    NewBackoff(cfg.ReconnectDelays, cfg.MaxFailures),
		pending:    make(map[int64]chan Frame),
		eventQueue: make(chan Event, cfg.EventQueueSize),
	}
	s.subs = newSubscriptions(cfg.Subscriptions, s.Send, s.logger)
	return s
}

// SetLogger sets the logger. Call before Run.
func (s *Session) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
	s.subs.logger = logger
}

// SetStateListener sets the transition observer. Call before Run.
func (s *Session) SetStateListener(l StateListener) {
	s.stateMu.Lock()
	s.listener = l
	s.stateMu.Unlock()
}

// OnConnected registers a hook run after every successful connect.
func (s *Session) OnConnected(h ConnectedHook) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, h)
	s.hooksMu.Unlock()
}

// OnEvent registers a handler for unclaimed push events.
func (s *Session) OnEvent(h EventHandler) {
	s.hooksMu.Lock()
	s.handlers = append(s.handlers, h)
	s.hooksMu.Unlock()
}

// Subscriptions returns the session's Subscription Manager.
func (s *Session) Subscriptions() *Subscriptions {
	return s.subs
}

// InstanceID returns the instance this session serves.
func (s *Session) InstanceID() int64 {
	return s.cfg.InstanceID
}

// State returns the current state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// IsConnected reports whether a live, authenticated socket exists.
func (s *Session) IsConnected() bool {
	return s.liveConn() != nil
}

// Stats returns a snapshot of operational counters.
func (s *Session) Stats() Stats {
	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()

	var last time.Time
	if ts := s.lastActivity.Load(); ts > 0 {
		last = time.Unix(0, ts)
	}

	return Stats{
		State:         s.State(),
		Failures:      int(s.failures.Load()),
		FramesRx:      s.framesRx.Load(),
		FramesDropped: s.framesDropped.Load(),
		EventsDropped: s.eventsDropped.Load(),
		RequestsTx:    s.requestsTx.Load(),
		Connects:      s.connects.Load(),
		Pending:       pending,
		Subscriptions: s.subs.Len(),
		LastActivity:  last,
	}
}

func (s *Session) setState(state State, delay time.Duration, err error) {
	s.failures.Store(int32(s.backoff.Failures())) //nolint:gosec // Bounded by MaxFailures

	s.stateMu.Lock()
	prev := s.state
	s.state = state
	listener := s.listener
	s.stateMu.Unlock()

	if listener != nil {
		listener(Transition{
			InstanceID: s.cfg.InstanceID,
			State:      state,
			Previous:   prev,
			Delay:      delay,
			Failures:   s.backoff.Failures(),
			Err:        err,
			At:         time.Now().UTC(),
		})
	}
}

// Run connects and keeps the session alive until ctx is cancelled (returns
// nil) or the failure budget is spent (returns ErrPermanentlyStopped).
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	workersCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	for i := 0; i < s.cfg.EventWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.eventWorker(workersCtx)
		}()
	}
	defer func() {
		stopWorkers()
		workers.Wait()
	}()

	for {
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected, 0, nil)
			return nil
		}

		s.setState(StateDisconnected, 0, err)

		delay, stop := s.backoff.Failure()
		if stop {
			s.logErr("session permanently stopped", err, "failures", s.backoff.Failures())
			s.setState(StatePermanentlyStopped, 0, err)
			return fmt.Errorf("%w after %d consecutive failures: %w", ErrPermanentlyStopped, s.backoff.Failures(), err)
		}

		s.logger.Warn("connection failed, will reconnect",
			"instance_id", s.cfg.InstanceID,
			"error", err,
			"failures", s.backoff.Failures(),
			"delay", delay.String(),
		)
		s.setState(StateReconnecting, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected, 0, nil)
			return nil
		case <-timer.C:
		}
	}
}

func (s *Session) logErr(msg string, err error, args ...any) {
	s.logger.Error(msg, append([]any{"instance_id", s.cfg.InstanceID, "error", err}, args...)...)
}

// WebSocketURL maps a controller base URL to its WebSocket API endpoint.
// http becomes ws, https becomes wss, and an empty path becomes /api/websocket.
func WebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("endpoint has no host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = websocketPath
	}
	u.User = nil
	return u.String(), nil
}

func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(StateConnecting, 0, nil)

	wsURL, err := WebSocketURL(s.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, resp, err := s.dialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // Handshake response body is unused
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrTransport, wsURL, err)
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	s.setState(StateAuthenticating, 0, nil)
	if err := s.authenticate(conn); err != nil {
		conn.Close() //nolint:errcheck // Best effort on failed handshake
		return err
	}

	s.backoff.Reset()
	s.failures.Store(0)
	s.connects.Add(1)
	return s.serve(ctx, conn)
}

// authenticate runs the challenge/credential/verdict handshake. Any
// unexpected frame is a protocol violation and fails the attempt.
func (s *Session) authenticate(conn *websocket.Conn) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	conn.SetReadDeadline(deadline)  //nolint:errcheck // Deadline errors surface on read
	conn.SetWriteDeadline(deadline) //nolint:errcheck // Deadline errors surface on write

	challenge, err := readHandshakeFrame(conn)
	if err != nil {
		return err
	}
	if challenge.Kind != FrameAuthRequired {
		return fmt.Errorf("%w: %w: expected auth_required, got %q", ErrTransport, ErrProtocolViolation, challenge.Type)
	}

	if err := conn.WriteMessage(websocket.TextMessage, encodeAuth(s.cfg.Credential)); err != nil {
		return fmt.Errorf("%w: sending credential: %w", ErrTransport, err)
	}

	verdict, err := readHandshakeFrame(conn)
	if err != nil {
		return err
	}

	switch verdict.Kind {
	case FrameAuthOK:
		conn.SetReadDeadline(time.Time{})  //nolint:errcheck // Cleared before serve sets its own
		conn.SetWriteDeadline(time.Time{}) //nolint:errcheck // Per-write deadlines are set in write
		s.logger.Info("authenticated", "instance_id", s.cfg.InstanceID, "remote_version", verdict.Version)
		return nil
	case FrameAuthInvalid:
		return fmt.Errorf("%w: %s", ErrAuthRejected, verdict.Message)
	default:
		return fmt.Errorf("%w: %w: expected auth verdict, got %q", ErrTransport, ErrProtocolViolation, verdict.Type)
	}
}

func readHandshakeFrame(conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: handshake read: %w", ErrTransport, err)
	}
	frames, err := DecodeFrames(data)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if len(frames) != 1 {
		return Frame{}, fmt.Errorf("%w: %w: %d frames during handshake", ErrTransport, ErrProtocolViolation, len(frames))
	}
	return frames[0], nil
}

// serve runs one authenticated connection until it closes.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.setState(StateConnected, 0, nil)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		conn.WriteControl(websocket.CloseMessage, //nolint:errcheck // Best effort close frame
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close() //nolint:errcheck // Unblocks the read loop
	}()

	if s.cfg.PingInterval > 0 {
		readWindow := s.cfg.PingInterval + s.cfg.PongTimeout
		conn.SetReadDeadline(time.Now().Add(readWindow)) //nolint:errcheck // Surfaces on read
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWindow))
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pingLoop(connCtx, conn)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.subs.runReaper(connCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.subscribeCategories(connCtx)
		s.runHooks(connCtx, &wg)
	}()

	err := s.readLoop(connCtx, conn)

	cancel()
	s.connMu.Lock()
	s.conn = nil
	s.connMu.Unlock()
	s.failPending()
	s.subs.failAll()
	wg.Wait()

	return err
}

func (s *Session) runHooks(ctx context.Context, wg *sync.WaitGroup) {
	s.hooksMu.RLock()
	hooks := append([]ConnectedHook(nil), s.hooks...)
	s.hooksMu.RUnlock()

	for _, h := range hooks {
		wg.Add(1)
		go func(h ConnectedHook) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("connected hook panic recovered", "instance_id", s.cfg.InstanceID, "panic", r)
				}
			}()
			h(ctx)
		}(h)
	}
}

// subscribeCategories subscribes to the fixed push categories. Each is a
// one-shot request, so later events carrying its ID reach the event handlers.
func (s *Session) subscribeCategories(ctx context.Context) {
	for _, kind := range s.cfg.EventCategories {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Send(ctx, "subscribe_events", subscribeEventsPayload(kind), s.cfg.RequestTimeout); err != nil {
			s.logger.Warn("event category subscription failed",
				"instance_id", s.cfg.InstanceID,
				"event_type", string(kind),
				"error", err,
			)
		}
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout)); err != nil {
				s.logger.Debug("ping failed", "instance_id", s.cfg.InstanceID, "error", err)
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		s.lastActivity.Store(time.Now().UnixNano())

		frames, err := DecodeFrames(data)
		if err != nil {
			s.framesDropped.Add(uint64(droppedFrames(err))) //nolint:gosec // Count is never negative
			s.logger.Warn("dropping malformed frames", "instance_id", s.cfg.InstanceID, "kept", len(frames), "error", err)
		}
		for _, f := range frames {
			s.framesRx.Add(1)
			s.dispatch(f)
		}
	}
}

// dispatch routes one frame without blocking the read loop.
func (s *Session) dispatch(f Frame) {
	switch f.Kind {
	case FrameResult:
		if s.resolvePending(f) {
			return
		}
		if sub := s.subs.lookup(f.ID); sub != nil {
			if sub.State() == SubAwaitingAck {
				sub.ack(f)
			} else if f.Success && len(f.Result) > 0 && string(f.Result) != "null" {
				sub.accept(Event{Kind: EventUnknown, Type: string(FrameResult), Data: f.Result})
			}
			return
		}
		s.framesDropped.Add(1)
		s.logger.Debug("dropping result with no pending request", "instance_id", s.cfg.InstanceID, "id", f.ID)

	case FrameEvent:
		if f.HasID {
			if sub := s.subs.lookup(f.ID); sub != nil {
				if !sub.accept(*f.Event) {
					s.framesDropped.Add(1)
				}
				return
			}
		}
		s.enqueueEvent(*f.Event)

	case FramePong:

	default:
		s.framesDropped.Add(1)
		s.logger.Warn("dropping unexpected frame",
			"instance_id", s.cfg.InstanceID,
			"type", f.Type,
			"error", ErrProtocolViolation,
		)
	}
}

func (s *Session) enqueueEvent(ev Event) {
	select {
	case s.eventQueue <- ev:
	default:
		s.eventsDropped.Add(1)
		s.logger.Warn("event queue full, dropping event", "instance_id", s.cfg.InstanceID, "event_type", ev.Type)
	}
}

func (s *Session) eventWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.eventQueue:
			s.hooksMu.RLock()
			handlers := s.handlers
			s.hooksMu.RUnlock()
			for _, h := range handlers {
				s.safeHandle(ctx, h, ev)
			}
		}
	}
}

func (s *Session) safeHandle(ctx context.Context, h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panic recovered", "instance_id", s.cfg.InstanceID, "event_type", ev.Type, "panic", r)
		}
	}()
	h(ctx, ev)
}

func (s *Session) liveConn() *websocket.Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

func (s *Session) write(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)) //nolint:errcheck // Surfaces on write
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) resolvePending(f Frame) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[f.ID]
	if ok {
		delete(s.pending, f.ID)
	}
	s.pendingMu.Unlock()

	if ok {
		ch <- f
	}
	return ok
}

func (s *Session) removePending(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// failPending wakes every outstanding request with ErrConnectionClosed.
func (s *Session) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// Send issues a one-shot request and waits for its reply. A zero timeout
// selects the configured request timeout.
//
// Errors:
//   - ErrNotConnected: no live socket
//   - ErrTimeout: no reply in time (a late reply is ignored)
//   - *RemoteError: the controller rejected the request
//   - ErrConnectionClosed: the socket closed while waiting
func (s *Session) Send(ctx context.Context, msgType string, payload []byte, timeout time.Duration) ([]byte, error) {
	conn := s.liveConn()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	id := s.nextID.Add(1)
	data, err := EncodeRequest(id, msgType, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan Frame, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	if err := s.write(conn, data); err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	s.requestsTx.Add(1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if !f.Success {
			return nil, f.Error
		}
		return f.Result, nil
	case <-timer.C:
		s.removePending(id)
		return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, msgType, timeout)
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	}
}

// SendJSON is Send with v marshalled as the payload and the result
// unmarshalled into out (when out is non-nil).
func (s *Session) SendJSON(ctx context.Context, msgType string, v any, out any) error {
	var payload []byte
	if v != nil {
		var err error
		if payload, err = json.Marshal(v); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
	}
	result, err := s.Send(ctx, msgType, payload, 0)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("%w: decoding %s result: %w", ErrProtocolViolation, msgType, err)
	}
	return nil
}

// Subscribe opens a subscription and waits for its acknowledgement. The
// handler then receives the subscription's events in order until it
// completes. A nil handler error means the subscription is active.
func (s *Session) Subscribe(ctx context.Context, req SubscribeRequest, h SubscriptionHandler) (*Subscription, error) {
	conn := s.liveConn()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := s.nextID.Add(1)
	data, err := EncodeRequest(id, req.Type, req.Payload)
	if err != nil {
		return nil, err
	}

	sub := s.subs.register(id, req, h)
	if err := s.write(conn, data); err != nil {
		s.subs.discard(sub)
		return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	s.requestsTx.Add(1)

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-sub.acked.Done():
	case <-timer.C:
		s.subs.discard(sub)
		return nil, fmt.Errorf("%w: %s ack after %v", ErrTimeout, req.Type, s.cfg.RequestTimeout)
	case <-ctx.Done():
		s.subs.discard(sub)
		return nil, ctx.Err()
	}

	sub.mu.Lock()
	state, subErr := sub.state, sub.err
	sub.mu.Unlock()

	switch {
	case state == SubActive:
		return sub, nil
	case subErr != nil:
		return nil, subErr
	default:
		return nil, ErrConnectionClosed
	}
}
