package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/remote"
)

// Default producer timings.
const (
	DefaultPollInterval             = 300 * time.Millisecond
	DefaultSubscriptionPollInterval = 500 * time.Millisecond
	DefaultCallTimeout              = 15 * time.Second

	// DefaultSubscriptionMargin is added to the worker's subscription
	// maximum duration to form the default subscription deadline. The
	// producer's clock starts at enqueue, the worker's only once it claims.
	DefaultSubscriptionMargin = 15 * time.Second

	// finalWriteTimeout bounds the timeout write after the caller's context
	// is already done.
	finalWriteTimeout = 2 * time.Second
)

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

// ClientConfig tunes the producer side of the queue.
type ClientConfig struct {
	PollInterval             time.Duration
	SubscriptionPollInterval time.Duration
	CallTimeout              time.Duration

	// SubscriptionTimeout defaults to SubscriptionMaxDuration plus
	// DefaultSubscriptionMargin.
	SubscriptionTimeout time.Duration

	// SubscriptionMaxDuration is the worker's max_duration for
	// subscriptions. Zero selects remote.DefaultSubscriptionMaxDuration.
	SubscriptionMaxDuration time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SubscriptionPollInterval <= 0 {
		c.SubscriptionPollInterval = DefaultSubscriptionPollInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.SubscriptionMaxDuration <= 0 {
		c.SubscriptionMaxDuration = remote.DefaultSubscriptionMaxDuration
	}
	if c.SubscriptionTimeout <= 0 {
		c.SubscriptionTimeout = c.SubscriptionMaxDuration + DefaultSubscriptionMargin
	}
}

// Client is the producer side of the queue, used by any process that needs a
// remote request answered without holding the socket.
type Client struct {
	store  *Store
	cfg    ClientConfig
	logger Logger
}

// NewClient creates a producer over store.
func NewClient(store *Store, cfg ClientConfig) *Client {
	cfg.applyDefaults()
	return &Client{store: store, cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
}

// CallRequest is one request to run through the queue.
type CallRequest struct {
	InstanceID  int64
	MessageType string
	Payload     json.RawMessage

	// Subscription collects pushed events until the subscription completes.
	Subscription bool

	// Timeout overrides the producer deadline.
	Timeout time.Duration
}

// Call enqueues req and polls until the entry is terminal or the deadline
// elapses. A terminal entry is deleted after it is read. On deadline the
// entry is marked timeout and left for the janitor.
func (c *Client) Call(ctx context.Context, req CallRequest) Outcome {
	id, err := c.store.Enqueue(ctx, EnqueueRequest{
		InstanceID:     req.InstanceID,
		MessageType:    req.MessageType,
		Payload:        req.Payload,
		IsSubscription: req.Subscription,
	})
	if err != nil {
		return Outcome{State: StateFailed, Error: err.Error()}
	}

	interval, timeout := c.cfg.PollInterval, c.cfg.CallTimeout
	if req.Subscription {
		interval, timeout = c.cfg.SubscriptionPollInterval, c.cfg.SubscriptionTimeout
	}
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	return c.Wait(ctx, id, interval, timeout)
}

// Collect is Call for a subscription.
func (c *Client) Collect(ctx context.Context, req CallRequest) Outcome {
	req.Subscription = true
	return c.Call(ctx, req)
}

// Enqueue adds a request without waiting for it.
func (c *Client) Enqueue(ctx context.Context, req CallRequest) (string, error) {
	return c.store.Enqueue(ctx, EnqueueRequest{
		InstanceID:     req.InstanceID,
		MessageType:    req.MessageType,
		Payload:        req.Payload,
		IsSubscription: req.Subscription,
	})
}

// Wait polls an existing entry every interval until it is terminal or
// timeout elapses.
func (c *Client) Wait(ctx context.Context, requestID string, interval, timeout time.Duration) Outcome {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, err := c.store.PollOnce(ctx, requestID)
		switch {
		case err == nil && snap.State.Terminal():
			c.consume(requestID)
			return outcomeFrom(requestID, snap)
		case errors.Is(err, ErrNotFound):
			return Outcome{RequestID: requestID, State: StateFailed, Error: "request entry disappeared"}
		case err != nil && ctx.Err() == nil:
			// A store failure while polling fails the request.
			return Outcome{RequestID: requestID, State: StateFailed, Error: err.Error()}
		}

		select {
		case <-ctx.Done():
			return c.expire(requestID, fmt.Sprintf("cancelled: %v", ctx.Err()))
		case <-deadline.C:
			return c.expire(requestID, fmt.Sprintf("no result within %v", timeout))
		case <-ticker.C:
		}
	}
}

// expire writes timeout. If the entry became terminal in the meantime, that
// outcome wins. A live subscription is finished as done with the events it
// collected instead.
func (c *Client) expire(requestID, reason string) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()

	if out, ok := c.finishLive(ctx, requestID); ok {
		return out
	}

	err := c.store.MarkTimeout(ctx, requestID, reason)
	if errors.Is(err, ErrInvalidTransition) {
		if snap, getErr := c.store.PollOnce(ctx, requestID); getErr == nil && snap.State.Terminal() {
			c.consume(requestID)
			return outcomeFrom(requestID, snap)
		}
	}
	if err != nil {
		c.logger.Warn("writing queue timeout failed", "request_id", requestID, "error", err)
	}
	return Outcome{RequestID: requestID, State: StateTimeout, Error: reason}
}

// finishLive ends an acknowledged subscription with the events collected so
// far. It reports false when the entry is not a live subscription.
func (c *Client) finishLive(ctx context.Context, requestID string) (Outcome, bool) {
	e, err := c.store.Get(ctx, requestID)
	if err != nil || !e.IsSubscription {
		return Outcome{}, false
	}
	if e.State != StateSubscribed && e.State != StateCollecting {
		return Outcome{}, false
	}

	err = c.store.FinishSubscription(ctx, requestID, StateDone, "")
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		c.logger.Warn("finishing subscription at deadline failed", "request_id", requestID, "error", err)
		return Outcome{}, false
	}

	snap, err := c.store.PollOnce(ctx, requestID)
	if err != nil || !snap.State.Terminal() {
		return Outcome{}, false
	}
	c.consume(requestID)
	return outcomeFrom(requestID, snap), true
}

func (c *Client) consume(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, requestID); err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn("deleting consumed queue entry failed", "request_id", requestID, "error", err)
	}
}

func outcomeFrom(requestID string, snap Snapshot) Outcome {
	return Outcome{
		RequestID:  requestID,
		Success:    snap.State == StateDone,
		State:      snap.State,
		Result:     snap.Result,
		Error:      snap.Error,
		EventCount: snap.EventCount,
	}
}

// PollOnce reads an entry's current outcome without waiting or deleting.
func (c *Client) PollOnce(ctx context.Context, requestID string) (Snapshot, error) {
	return c.store.PollOnce(ctx, requestID)
}

// Delete removes an entry.
func (c *Client) Delete(ctx context.Context, requestID string) error {
	return c.store.Delete(ctx, requestID)
}

// Events reads a live subscription's events after afterSeq.
func (c *Client) Events(ctx context.Context, requestID string, afterSeq int) ([]EventRecord, error) {
	return c.store.Events(ctx, requestID, afterSeq)
}

// CloseSubscription ends a subscription from the producer side. The entry
// becomes done with the events collected so far; the worker's reaper then
// unsubscribes remotely.
func (c *Client) CloseSubscription(ctx context.Context, requestID string) error {
	err := c.store.FinishSubscription(ctx, requestID, StateDone, "")
	if errors.Is(err, ErrInvalidTransition) {
		// Still pending: nothing was ever subscribed.
		return c.store.MarkTimeout(ctx, requestID, "closed before subscription started")
	}
	return err
}
