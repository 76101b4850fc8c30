package status

import (
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/remote"
)

// Kind is a user-facing connection status.
type Kind string

// Connection statuses.
const (
	Connecting   Kind = "connecting"
	Connected    Kind = "connected"
	Disconnected Kind = "disconnected"
	Reconnecting Kind = "reconnecting"
	Error        Kind = "error"
)

// Transition is one published status change.
type Transition struct {
	InstanceID int64     `json:"instance_id"`
	Status     Kind      `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	DelayMS    int64     `json:"delay_ms,omitempty"`
	Failures   int       `json:"failures"`
	At         time.Time `json:"at"`
}

// Notifier receives status transitions in order.
type Notifier interface {
	Notify(tr Transition)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(tr Transition)

// Notify calls f.
func (f NotifierFunc) Notify(tr Transition) { f(tr) }

// FromSession maps a session state change to a status transition. The
// authenticating step is internal and reports false.
func FromSession(tr remote.Transition) (Transition, bool) {
	out := Transition{
		InstanceID: tr.InstanceID,
		Failures:   tr.Failures,
		At:         tr.At,
	}
	if tr.Err != nil {
		out.Reason = tr.Err.Error()
	}

	switch tr.State {
	case remote.StateConnecting:
		out.Status = Connecting
	case remote.StateConnected:
		out.Status = Connected
	case remote.StateReconnecting:
		out.Status = Reconnecting
		out.DelayMS = tr.Delay.Milliseconds()
	case remote.StatePermanentlyStopped:
		out.Status = Error
	case remote.StateDisconnected:
		out.Status = Disconnected
		if errors.Is(tr.Err, remote.ErrAuthRejected) {
			out.Status = Error
		}
	default:
		return Transition{}, false
	}
	return out, true
}

// SessionListener adapts n to a session state listener.
func SessionListener(n Notifier) remote.StateListener {
	return func(tr remote.Transition) {
		if out, ok := FromSession(tr); ok {
			n.Notify(out)
		}
	}
}

// Multi fans a transition out to every notifier in order.
type Multi []Notifier

// Notify delivers tr to each notifier.
func (m Multi) Notify(tr Transition) {
	for _, n := range m {
		if n != nil {
			n.Notify(tr)
		}
	}
}

// Dispatcher decouples slow notifiers from the session goroutine. Notify
// never blocks; transitions are delivered to the target on one goroutine in
// the order they were queued.
type Dispatcher struct {
	target Notifier

	mu      sync.Mutex
	queue   []Transition
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// NewDispatcher starts a dispatcher delivering to target.
func NewDispatcher(target Notifier) *Dispatcher {
	d := &Dispatcher{
		target:  target,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify queues tr for delivery.
func (d *Dispatcher) Notify(tr Transition) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, tr)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close delivers everything already queued, then stops.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, tr := range batch {
			d.target.Notify(tr)
		}
		if len(batch) == 0 {
			if closed {
				return
			}
			<-d.wake
		}
	}
}

// Recorder keeps the latest transition per instance and a bounded history.
type Recorder struct {
	limit int

	mu      sync.RWMutex
	last    map[int64]Transition
	history map[int64][]Transition
}

// NewRecorder creates a recorder keeping up to limit transitions per
// instance.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 50
	}
	return &Recorder{
		limit:   limit,
		last:    make(map[int64]Transition),
		history: make(map[int64][]Transition),
	}
}

// Notify records tr.
func (r *Recorder) Notify(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[tr.InstanceID] = tr
	h := append(r.history[tr.InstanceID], tr)
	if len(h) > r.limit {
		h = h[len(h)-r.limit:]
	}
	r.history[tr.InstanceID] = h
}

// Last returns the latest transition for an instance.
func (r *Recorder) Last(instanceID int64) (Transition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr, ok := r.last[instanceID]
	return tr, ok
}

// History returns the recorded transitions for an instance, oldest first.
func (r *Recorder) History(instanceID int64) []Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Transition(nil), r.history[instanceID]...)
}
