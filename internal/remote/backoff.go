package remote

import "time"

// DefaultReconnectDelays is the reconnect escalation table.
var DefaultReconnectDelays = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// DefaultMaxFailures is the consecutive failure count that stops a session.
const DefaultMaxFailures = 5

// Backoff counts consecutive connection failures and picks the reconnect delay.
//
// After failure N the delay is delays[min(N-1, len(delays)-1)]. Reaching
// maxFailures is terminal: Failure reports stop and no delay. Reset returns
// the counter to zero after a successful authentication.
//
// Backoff is not safe for concurrent use; the session run loop owns it.
type Backoff struct {
	delays      []time.Duration
	maxFailures int
	failures    int
}

// NewBackoff returns a Backoff over delays. Empty delays or a non-positive
// maxFailures select the defaults.
func NewBackoff(delays []time.Duration, maxFailures int) *Backoff {
	if len(delays) == 0 {
		delays = DefaultReconnectDelays
	}
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Backoff{delays: delays, maxFailures: maxFailures}
}

// Failure records one failure. It returns the delay before the next attempt,
// or stop=true once the failure budget is spent.
func (b *Backoff) Failure() (delay time.Duration, stop bool) {
	b.failures++
	if b.failures >= b.maxFailures {
		return 0, true
	}
	return b.Delay(b.failures), false
}

// Delay returns the table delay for the given consecutive failure count.
func (b *Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	idx := failures - 1
	if idx > len(b.delays)-1 {
		idx = len(b.delays) - 1
	}
	return b.delays[idx]
}

// Reset clears the failure counter.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Failures returns the current consecutive failure count.
func (b *Backoff) Failures() int {
	return b.failures
}

// Stopped reports whether the failure budget is spent.
func (b *Backoff) Stopped() bool {
	return b.failures >= b.maxFailures
}
