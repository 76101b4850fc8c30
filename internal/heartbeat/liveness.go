package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/config"
)

// StalenessFactor scales the heartbeat interval into the liveness threshold.
const StalenessFactor = 1.5

// Threshold returns how old a heartbeat may be before its writer is presumed
// gone. intervalSeconds is clamped to the supported range first.
func Threshold(intervalSeconds int) time.Duration {
	interval := time.Duration(config.ClampHeartbeatInterval(intervalSeconds)) * time.Second
	return time.Duration(float64(interval) * StalenessFactor)
}

// IsAlive reports whether a heartbeat written at last is fresh at now.
// This is a staleness heuristic, not a lease: a paused writer reads as dead.
func IsAlive(last, now time.Time, intervalSeconds int) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < Threshold(intervalSeconds)
}

// Checker answers liveness for instances this process does not run.
type Checker struct {
	store           *Store
	intervalSeconds int
	now             func() time.Time
}

// NewChecker creates a liveness checker. intervalSeconds is the heartbeat
// interval the writers are configured with.
func NewChecker(store *Store, intervalSeconds int) *Checker {
	return &Checker{store: store, intervalSeconds: intervalSeconds, now: time.Now}
}

// IsRunning reports whether instanceID's heartbeat is fresh. An instance that
// never wrote one is not running.
func (c *Checker) IsRunning(ctx context.Context, instanceID int64) (bool, error) {
	rec, err := c.store.Last(ctx, instanceID)
	if errors.Is(err, ErrNoHeartbeat) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return IsAlive(rec.BeatAt, c.now(), c.intervalSeconds), nil
}
