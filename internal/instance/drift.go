package instance

import (
	"context"
	"sync"
	"time"
)

// DefaultDriftInterval is how often the scheduler checks for config drift.
const DefaultDriftInterval = 30 * time.Second

// DriftScheduler reconciles the supervisor with the instance table and
// restarts sessions whose persisted connection settings changed.
type DriftScheduler struct {
	sup      *Supervisor
	interval time.Duration
	logger   Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDriftScheduler creates a scheduler over sup.
func NewDriftScheduler(sup *Supervisor, interval time.Duration) *DriftScheduler {
	if interval <= 0 {
		interval = DefaultDriftInterval
	}
	return &DriftScheduler{
		sup:      sup,
		interval: interval,
		logger:   noopLogger{},
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger. Call before Start.
func (d *DriftScheduler) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	d.logger = logger
}

// Start runs Check every interval until ctx is cancelled or Stop is called.
func (d *DriftScheduler) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			case <-ticker.C:
				d.Check(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for it. Safe to call multiple times.
func (d *DriftScheduler) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}

// Check runs one reconcile-and-restart pass and returns the IDs restarted.
func (d *DriftScheduler) Check(ctx context.Context) []int64 {
	if err := d.sup.Reconcile(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn("instance reconcile failed", "error", err)
	}

	var restarted []int64
	for _, id := range d.sup.Tracked() {
		changed, err := d.sup.IsConfigChanged(ctx, id)
		if err != nil {
			d.logger.Warn("config drift check failed", "instance_id", id, "error", err)
			continue
		}
		if !changed {
			continue
		}

		res, err := d.sup.Restart(ctx, id, false)
		switch {
		case err != nil:
			d.logger.Warn("restart after config change failed", "instance_id", id, "error", err)
		case res.TooSoon:
			d.logger.Debug("restart after config change deferred", "instance_id", id, "retry_after_ms", res.RetryAfterMS)
		default:
			d.logger.Info("instance restarted after config change", "instance_id", id)
			restarted = append(restarted, id)
		}
	}
	return restarted
}
