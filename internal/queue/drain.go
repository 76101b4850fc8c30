package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/remote"
)

// Default drain loop settings.
const (
	DefaultBatchSize     = 10
	DefaultDrainInterval = 200 * time.Millisecond
	DefaultRetention     = time.Hour
	defaultPurgeInterval = 5 * time.Minute

	// writeTimeout bounds each result write-back, which outlives the drain
	// context on shutdown.
	writeTimeout = 5 * time.Second
)

// Sender is the part of a remote session the drain loop uses.
type Sender interface {
	Send(ctx context.Context, msgType string, payload []byte, timeout time.Duration) ([]byte, error)
	Subscribe(ctx context.Context, req remote.SubscribeRequest, h remote.SubscriptionHandler) (*remote.Subscription, error)
}

// Metrics receives one sample per entry that reaches a terminal state.
type Metrics interface {
	RecordQueueOutcome(instanceID int64, messageType, state string, latency time.Duration, events int)
}

// DrainConfig tunes a Drainer.
type DrainConfig struct {
	InstanceID     int64
	BatchSize      int
	Interval       time.Duration
	RequestTimeout time.Duration

	// Retention is the age after which entries are purged. Zero selects
	// DefaultRetention.
	Retention     time.Duration
	PurgeInterval time.Duration
}

func (c *DrainConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultDrainInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = remote.DefaultRequestTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = defaultPurgeInterval
	}
}

// Drainer is the consumer side of the queue for one instance. It runs in the
// process that owns the instance's session.
type Drainer struct {
	store   *Store
	sender  Sender
	cfg     DrainConfig
	logger  Logger
	metrics Metrics

	// slots holds one token per running dispatch, BatchSize at most.
	slots    chan struct{}
	inflight sync.WaitGroup
}

// NewDrainer creates a drain loop feeding sender from store.
func NewDrainer(store *Store, sender Sender, cfg DrainConfig) *Drainer {
	cfg.applyDefaults()
	return &Drainer{
		store:  store,
		sender: sender,
		cfg:    cfg,
		logger: noopLogger{},
		slots:  make(chan struct{}, cfg.BatchSize),
	}
}

// SetLogger sets the logger.
func (d *Drainer) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	d.logger = logger
}

// SetMetrics sets the telemetry sink.
func (d *Drainer) SetMetrics(m Metrics) {
	d.metrics = m
}

// Run drains the queue every Interval until ctx is cancelled. It does not
// wait for in-flight dispatches; use Wait for that.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	purge := time.NewTicker(d.cfg.PurgeInterval)
	defer purge.Stop()

	d.purge(ctx)

	for {
		if _, err := d.Cycle(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("queue drain cycle failed", "instance_id", d.cfg.InstanceID, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-purge.C:
			d.purge(ctx)
		case <-ticker.C:
		}
	}
}

// Wait blocks until every dispatched entry has been written back.
func (d *Drainer) Wait() {
	d.inflight.Wait()
}

func (d *Drainer) purge(ctx context.Context) {
	n, err := d.store.PurgeExpired(ctx, time.Now().Add(-d.cfg.Retention))
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("queue purge failed", "instance_id", d.cfg.InstanceID, "error", err)
		}
		return
	}
	if n > 0 {
		d.logger.Info("purged expired queue entries", "instance_id", d.cfg.InstanceID, "count", n)
	}
}

// Cycle claims as many pending entries as there are free dispatch slots and
// starts each one on its own goroutine. It does not wait for them: a slow
// entry holds only its own slot, and the next cycle keeps claiming into the
// rest.
func (d *Drainer) Cycle(ctx context.Context) (int, error) {
	free := cap(d.slots) - len(d.slots)
	if free <= 0 {
		return 0, nil
	}

	entries, err := d.store.ClaimPending(ctx, d.cfg.InstanceID, free)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// Write-backs must land even when the drain context is cancelled.
	dispatchCtx := context.WithoutCancel(ctx)

	for i := range entries {
		e := entries[i]
		d.slots <- struct{}{}
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			defer func() { <-d.slots }()
			d.dispatch(dispatchCtx, &e)
		}()
	}
	return len(entries), nil
}

func (d *Drainer) dispatch(ctx context.Context, e *Entry) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("queue dispatch panic recovered", "request_id", e.RequestID, "panic", r)
			d.write(e, "fail", func(ctx context.Context) error {
				return d.store.Fail(ctx, e.RequestID, "internal error")
			})
		}
	}()

	if e.IsSubscription {
		d.dispatchSubscription(ctx, e)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout+time.Second)
	defer cancel()

	result, err := d.sender.Send(sendCtx, e.MessageType, e.Payload, d.cfg.RequestTimeout)
	if err != nil {
		d.write(e, "fail", func(ctx context.Context) error {
			return d.store.Fail(ctx, e.RequestID, errorText(err))
		})
		d.record(e, StateFailed, 0)
		return
	}

	d.write(e, "complete", func(ctx context.Context) error {
		return d.store.Complete(ctx, e.RequestID, result)
	})
	d.record(e, StateDone, 0)
}

func (d *Drainer) dispatchSubscription(ctx context.Context, e *Entry) {
	h := &entryHandler{drainer: d, entry: *e}
	_, err := d.sender.Subscribe(ctx, remote.SubscribeRequest{
		RequestID: e.RequestID,
		Type:      e.MessageType,
		Payload:   e.Payload,
	}, h)
	if err != nil {
		d.write(e, "fail", func(ctx context.Context) error {
			return d.store.Fail(ctx, e.RequestID, errorText(err))
		})
		d.record(e, StateFailed, 0)
	}
}

// write runs one store write-back under its own timeout. A write refused as
// an invalid transition means another writer (the producer's timeout, or a
// close) got there first; that is logged at debug.
func (d *Drainer) write(e *Entry, op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
		d.logger.Debug("queue write-back skipped", "request_id", e.RequestID, "op", op, "reason", err)
	default:
		d.logger.Error("queue write-back failed", "request_id", e.RequestID, "op", op, "error", err)
	}
}

func (d *Drainer) record(e *Entry, state State, events int) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordQueueOutcome(d.cfg.InstanceID, e.MessageType, string(state), time.Since(e.CreatedAt), events)
}

// errorText is the error description stored on a failed entry. Remote
// failures keep the controller's message verbatim.
func errorText(err error) string {
	var remoteErr *remote.RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Message
	}
	return err.Error()
}

// entryHandler writes one subscription's lifecycle back to its entry.
type entryHandler struct {
	drainer *Drainer
	entry   Entry
}

func (h *entryHandler) Acked(ctx context.Context, sub *remote.Subscription) error {
	h.drainer.write(&h.entry, "subscribed", func(ctx context.Context) error {
		return h.drainer.store.MarkSubscribed(ctx, h.entry.RequestID, sub.RemoteID())
	})
	return nil
}

func (h *entryHandler) Event(ctx context.Context, _ *remote.Subscription, ev remote.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.drainer.write(&h.entry, "append", func(ctx context.Context) error {
		_, err := h.drainer.store.AppendEvent(ctx, h.entry.RequestID, data)
		return err
	})
	return nil
}

func (h *entryHandler) Completed(ctx context.Context, sub *remote.Subscription, reason remote.CompletionReason) {
	state, message := StateDone, ""
	if reason == remote.ReasonConnectionLost {
		state, message = StateFailed, "connection lost"
	}
	h.drainer.write(&h.entry, "finish", func(ctx context.Context) error {
		return h.drainer.store.FinishSubscription(ctx, h.entry.RequestID, state, message)
	})
	h.drainer.logger.Debug("subscription entry finished",
		"request_id", h.entry.RequestID,
		"reason", string(reason),
		"events", sub.EventCount(),
	)
	h.drainer.record(&h.entry, state, sub.EventCount())
}
