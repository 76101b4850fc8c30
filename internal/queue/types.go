package queue

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a queue entry.
type State string

// Entry states.
const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateSubscribed State = "subscribed"
	StateCollecting State = "collecting"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateTimeout    State = "timeout"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateTimeout
}

// allowedFrom lists, for each target state, the states it may be entered from.
var allowedFrom = map[State][]State{
	StateProcessing: {StatePending},
	StateSubscribed: {StateProcessing},
	StateCollecting: {StateSubscribed, StateCollecting},
	StateDone:       {StateProcessing, StateSubscribed, StateCollecting},
	StateFailed:     {StateProcessing, StateSubscribed, StateCollecting},
	StateTimeout:    {StatePending, StateProcessing, StateSubscribed, StateCollecting},
}

// CanTransition reports whether an entry in from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Entry is one cross-process request and its outcome.
type Entry struct {
	RequestID      string
	InstanceID     int64
	MessageType    string
	Payload        json.RawMessage
	IsSubscription bool
	State          State

	// Result is the reply body, or for a finished subscription the JSON
	// array of collected events. Nil until terminal.
	Result json.RawMessage
	Error  string

	RemoteSubscriptionID int64
	EventCount           int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EnqueueRequest describes a request to add to the queue.
type EnqueueRequest struct {
	InstanceID     int64
	MessageType    string
	Payload        json.RawMessage
	IsSubscription bool
}

// Snapshot is the producer's view of an entry on one poll.
type Snapshot struct {
	State      State           `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	EventCount int             `json:"event_count"`
}

// EventRecord is one event accumulated by a subscription entry.
type EventRecord struct {
	Seq        int             `json:"seq"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Outcome is the normalised result handed to business logic. It never
// carries a bare fault: every failure is described by Success and Error.
type Outcome struct {
	RequestID  string          `json:"request_id"`
	Success    bool            `json:"success"`
	State      State           `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	EventCount int             `json:"event_count"`
}

func (e *Entry) snapshot() Snapshot {
	return Snapshot{State: e.State, Result: e.Result, Error: e.Error, EventCount: e.EventCount}
}
