package registrysync

import (
	"sync"
	"time"
)

// DefaultDebounceWindow is how long create/update notifications for one key
// are coalesced.
const DefaultDebounceWindow = 500 * time.Millisecond

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. It is replaced in tests.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Debouncer coalesces bursts of changes per key. A create or update replaces
// any task already scheduled for the key and runs window after the last
// notification; a remove cancels the scheduled task and runs at once on the
// caller's goroutine.
type Debouncer struct {
	window time.Duration
	clock  Clock
	run    func(key Key, change Change)

	mu      sync.Mutex
	pending map[string]*scheduled
	closed  bool
	wg      sync.WaitGroup
}

type scheduled struct {
	timer  Timer
	change Change
}

// NewDebouncer creates a debouncer calling run for each settled change.
func NewDebouncer(window time.Duration, clock Clock, run func(key Key, change Change)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Debouncer{
		window:  window,
		clock:   clock,
		run:     run,
		pending: make(map[string]*scheduled),
	}
}

// Notify records a change for key.
func (d *Debouncer) Notify(key Key, change Change) {
	name := key.String()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if prev, ok := d.pending[name]; ok {
		prev.timer.Stop()
		delete(d.pending, name)
	}

	if change == ChangeRemove {
		d.wg.Add(1)
		d.mu.Unlock()
		defer d.wg.Done()
		d.run(key, change)
		return
	}

	entry := &scheduled{change: change}
	entry.timer = d.clock.AfterFunc(d.window, func() { d.fire(name, key, entry) })
	d.pending[name] = entry
	d.mu.Unlock()
}

func (d *Debouncer) fire(name string, key Key, entry *scheduled) {
	d.mu.Lock()
	// A stopped timer may still fire; only the entry currently scheduled runs.
	if d.closed || d.pending[name] != entry {
		d.mu.Unlock()
		return
	}
	delete(d.pending, name)
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	d.run(key, entry.change)
}

// Pending returns the number of scheduled tasks.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close cancels every scheduled task and waits for running ones.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	for name, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, name)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
