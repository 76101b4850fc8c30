package remote

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu      sync.Mutex
	acked   int
	events  []Event
	reasons []CompletionReason
}

func (h *recordingHandler) Acked(context.Context, *Subscription) error {
	h.mu.Lock()
	h.acked++
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) Event(_ context.Context, _ *Subscription, ev Event) error {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) Completed(_ context.Context, _ *Subscription, reason CompletionReason) {
	h.mu.Lock()
	h.reasons = append(h.reasons, reason)
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() (int, []Event, []CompletionReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acked, append([]Event(nil), h.events...), append([]CompletionReason(nil), h.reasons...)
}

type sentRequest struct {
	msgType string
	payload []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentRequest
}

func (f *fakeSender) send(_ context.Context, msgType string, payload []byte, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentRequest{msgType: msgType, payload: payload})
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeSender) count(msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.sent {
		if r.msgType == msgType {
			n++
		}
	}
	return n
}

type staticRequestors map[string]bool

func (s staticRequestors) StillWanted(_ context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = s[id]
	}
	return out, nil
}

func newTestSubscriptions(cfg SubscriptionsConfig) (*Subscriptions, *fakeSender) {
	sender := &fakeSender{}
	return newSubscriptions(cfg, sender.send, noopLogger{}), sender
}

func ackFrame(id int64) Frame {
	return Frame{Kind: FrameResult, ID: id, HasID: true, Success: true}
}

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription %d did not finish", sub.CorrelationID)
	}
}

func TestSubscriptions_EventsDeliveredInOrder(t *testing.T) {
	m, sender := newTestSubscriptions(SubscriptionsConfig{})
	h := &recordingHandler{}

	sub := m.register(1, SubscribeRequest{RequestID: "req-1", Type: "subscribe_trigger"}, h)
	sub.ack(ackFrame(1))

	for i := 0; i < 5; i++ {
		data, _ := json.Marshal(map[string]int{"n": i}) //nolint:errcheck // Test data
		sub.accept(Event{Kind: EventUnknown, Data: data})
	}

	if !m.Complete(1) {
		t.Fatal("Complete() = false, want true")
	}
	waitDone(t, sub)

	acked, events, reasons := h.snapshot()
	if acked != 1 {
		t.Errorf("acked = %d, want 1", acked)
	}
	if len(events) != 5 {
		t.Fatalf("len(events) = %d, want 5", len(events))
	}
	for i, ev := range events {
		var body map[string]int
		json.Unmarshal(ev.Data, &body) //nolint:errcheck // Test data
		if body["n"] != i {
			t.Errorf("events[%d].n = %d, want %d", i, body["n"], i)
		}
	}
	if len(reasons) != 1 || reasons[0] != ReasonClosed {
		t.Errorf("reasons = %v, want [closed]", reasons)
	}
	if sender.count("unsubscribe_events") != 1 {
		t.Errorf("unsubscribe requests = %d, want 1", sender.count("unsubscribe_events"))
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

func TestSubscriptions_CompleteIsIdempotent(t *testing.T) {
	m, sender := newTestSubscriptions(SubscriptionsConfig{})
	h := &recordingHandler{}

	sub := m.register(2, SubscribeRequest{RequestID: "req-2"}, h)
	sub.ack(ackFrame(2))

	if !m.complete(sub, ReasonReaped, true) {
		t.Fatal("first complete() = false")
	}
	if m.complete(sub, ReasonIdle, true) {
		t.Error("second complete() = true, want false")
	}
	if m.Complete(2) {
		t.Error("Complete() after removal = true, want false")
	}
	waitDone(t, sub)

	_, _, reasons := h.snapshot()
	if len(reasons) != 1 || reasons[0] != ReasonReaped {
		t.Errorf("reasons = %v, want [reaped]", reasons)
	}
	if sender.count("unsubscribe_events") != 1 {
		t.Errorf("unsubscribe requests = %d, want 1", sender.count("unsubscribe_events"))
	}
	if sub.accept(Event{}) {
		t.Error("accept() after completion = true, want false")
	}
}

func TestSubscriptions_IdleCompletion(t *testing.T) {
	m, _ := newTestSubscriptions(SubscriptionsConfig{IdleTimeout: 50 * time.Millisecond})
	h := &recordingHandler{}

	sub := m.register(3, SubscribeRequest{RequestID: "req-3"}, h)
	sub.ack(ackFrame(3))
	sub.accept(Event{Kind: EventStateChanged})

	waitDone(t, sub)

	_, events, reasons := h.snapshot()
	if len(events) != 1 {
		t.Errorf("len(events) = %d, want 1", len(events))
	}
	if len(reasons) != 1 || reasons[0] != ReasonIdle {
		t.Errorf("reasons = %v, want [idle]", reasons)
	}
}

func TestSubscriptions_MaxDuration(t *testing.T) {
	m, _ := newTestSubscriptions(SubscriptionsConfig{MaxDuration: 80 * time.Millisecond})
	h := &recordingHandler{}

	sub := m.register(4, SubscribeRequest{RequestID: "req-4"}, h)
	sub.ack(ackFrame(4))

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sub.accept(Event{Kind: EventStateChanged})
			}
		}
	}()
	defer close(stop)

	waitDone(t, sub)

	_, events, reasons := h.snapshot()
	if len(events) == 0 {
		t.Error("expected events before max duration")
	}
	if len(reasons) != 1 || reasons[0] != ReasonMaxDuration {
		t.Errorf("reasons = %v, want [max_duration]", reasons)
	}
}

func TestSubscriptions_FailedAck(t *testing.T) {
	m, _ := newTestSubscriptions(SubscriptionsConfig{})
	h := &recordingHandler{}

	sub := m.register(5, SubscribeRequest{RequestID: "req-5"}, h)
	sub.ack(Frame{
		Kind: FrameResult, ID: 5, HasID: true,
		Error: &RemoteError{Code: "invalid_format", Message: "bad template"},
	})
	waitDone(t, sub)

	if sub.State() != SubFailed {
		t.Errorf("State() = %q, want failed", sub.State())
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
	acked, _, reasons := h.snapshot()
	if acked != 0 || len(reasons) != 0 {
		t.Errorf("handler saw acked=%d reasons=%v, want no calls", acked, reasons)
	}
}

func TestSubscriptions_Reap(t *testing.T) {
	m, sender := newTestSubscriptions(SubscriptionsConfig{})
	m.SetRequestors(staticRequestors{"wanted": true})

	keep := m.register(10, SubscribeRequest{RequestID: "wanted"}, &recordingHandler{})
	keep.ack(ackFrame(10))
	drop := m.register(11, SubscribeRequest{RequestID: "abandoned"}, &recordingHandler{})
	drop.ack(ackFrame(11))
	// Not yet acknowledged subscriptions are not reaped.
	m.register(12, SubscribeRequest{RequestID: "pending"}, &recordingHandler{})

	n, err := m.Reap(context.Background())
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Reap() = %d, want 1", n)
	}
	waitDone(t, drop)

	if m.lookup(10) == nil || m.lookup(12) == nil {
		t.Error("wanted and pending subscriptions should remain")
	}
	if m.lookup(11) != nil {
		t.Error("abandoned subscription should be removed")
	}
	if sender.count("unsubscribe_events") != 1 {
		t.Errorf("unsubscribe requests = %d, want 1", sender.count("unsubscribe_events"))
	}

	// A second pass finds nothing new.
	if n, _ := m.Reap(context.Background()); n != 0 {
		t.Errorf("second Reap() = %d, want 0", n)
	}
}

func TestSubscriptions_ReapWithoutRequestors(t *testing.T) {
	m, _ := newTestSubscriptions(SubscriptionsConfig{})
	sub := m.register(20, SubscribeRequest{RequestID: "x"}, &recordingHandler{})
	sub.ack(ackFrame(20))

	if n, err := m.Reap(context.Background()); n != 0 || err != nil {
		t.Errorf("Reap() = (%d, %v), want (0, nil)", n, err)
	}
}

func TestSubscriptions_FailAll(t *testing.T) {
	m, sender := newTestSubscriptions(SubscriptionsConfig{})
	h := &recordingHandler{}

	active := m.register(30, SubscribeRequest{RequestID: "a"}, h)
	active.ack(ackFrame(30))
	awaiting := m.register(31, SubscribeRequest{RequestID: "b"}, &recordingHandler{})

	m.failAll()
	waitDone(t, active)
	waitDone(t, awaiting)

	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
	if sender.count("unsubscribe_events") != 0 {
		t.Error("failAll must not send unsubscribe requests")
	}
	_, _, reasons := h.snapshot()
	if len(reasons) != 1 || reasons[0] != ReasonConnectionLost {
		t.Errorf("reasons = %v, want [connection_lost]", reasons)
	}
}

func TestSubscriptions_CompleteRequest(t *testing.T) {
	m, _ := newTestSubscriptions(SubscriptionsConfig{})
	a := m.register(40, SubscribeRequest{RequestID: "shared"}, &recordingHandler{})
	a.ack(ackFrame(40))
	b := m.register(41, SubscribeRequest{RequestID: "other"}, &recordingHandler{})
	b.ack(ackFrame(41))

	if n := m.CompleteRequest("shared"); n != 1 {
		t.Errorf("CompleteRequest() = %d, want 1", n)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}
