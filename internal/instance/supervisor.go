package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/heartbeat"
	"github.com/nerrad567/gray-logic-halink/internal/remote"
)

// Lifecycle defaults.
const (
	DefaultStopGrace       = 10 * time.Second
	DefaultRestartCooldown = 5 * time.Second
)

// clearTimeout bounds the heartbeat delete after a stop.
const clearTimeout = 2 * time.Second

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

// Runner is one started instance: its session and everything that hangs off
// it. Run blocks until ctx is cancelled or the session gives up.
type Runner interface {
	Run(ctx context.Context) error
	Stats() remote.Stats
}

// Factory builds a Runner for an instance.
type Factory interface {
	Build(inst *Instance) (Runner, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(inst *Instance) (Runner, error)

// Build calls f.
func (f FactoryFunc) Build(inst *Instance) (Runner, error) { return f(inst) }

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Repository Repository
	Factory    Factory

	// Heartbeats is used for the liveness and drift fallback when this
	// process does not run the instance, and cleared after a stop. Optional.
	Heartbeats *heartbeat.Store

	// HeartbeatInterval is the writers' interval in seconds.
	HeartbeatInterval int

	StopGrace       time.Duration
	RestartCooldown time.Duration
}

// tracked is the local bookkeeping for one started instance.
type tracked struct {
	id          int64
	runner      Runner
	fingerprint string
	startedAt   time.Time
	cancel      context.CancelFunc
	done        chan struct{}
	err         error // valid after done is closed
}

func (t *tracked) exited() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Status describes one instance as seen from this process.
type Status struct {
	InstanceID int64  `json:"instance_id"`
	Name       string `json:"name,omitempty"`
	Enabled    bool   `json:"enabled"`
	Running    bool   `json:"running"`

	// Local is true when this process runs the session.
	Local bool `json:"local"`

	State             string    `json:"state,omitempty"`
	Failures          int       `json:"failures"`
	StartedAt         time.Time `json:"started_at,omitzero"`
	ConfigFingerprint string    `json:"config_fingerprint,omitempty"`
	LastError         string    `json:"last_error,omitempty"`

	// Heartbeat fields, set when the status came from another process.
	Host            string    `json:"host,omitempty"`
	PID             int       `json:"pid,omitempty"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitzero"`
}

// StopResult reports what Stop did.
type StopResult struct {
	WasRunning bool `json:"was_running"`
	// Graceful is false when the session did not exit within the grace
	// period; bookkeeping is removed either way.
	Graceful bool `json:"graceful"`
}

// RestartResult reports what Restart did. A refused restart is not an error.
type RestartResult struct {
	Restarted    bool  `json:"restarted"`
	TooSoon      bool  `json:"too_soon"`
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
}

// Supervisor starts, stops and restarts instance sessions in this process.
//
// Thread Safety: all methods are safe for concurrent use.
type Supervisor struct {
	repo       Repository
	factory    Factory
	heartbeats *heartbeat.Store
	checker    *heartbeat.Checker
	stopGrace  time.Duration
	cooldown   time.Duration
	now        func() time.Time

	// lifecycle serialises Start/Stop/Restart so two callers never race to
	// create the same instance's session.
	lifecycle sync.Mutex

	mu          sync.RWMutex
	running     map[int64]*tracked
	lastRestart map[int64]time.Time
	closed      bool

	logger Logger
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = DefaultRestartCooldown
	}
	s := &Supervisor{
		repo:        cfg.Repository,
		factory:     cfg.Factory,
		heartbeats:  cfg.Heartbeats,
		stopGrace:   cfg.StopGrace,
		cooldown:    cfg.RestartCooldown,
		now:         time.Now,
		running:     make(map[int64]*tracked),
		lastRestart: make(map[int64]time.Time),
		logger:      noopLogger{},
	}
	if cfg.Heartbeats != nil {
		s.checker = heartbeat.NewChecker(cfg.Heartbeats, cfg.HeartbeatInterval)
	}
	return s
}

// SetLogger sets the logger.
func (s *Supervisor) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

func (s *Supervisor) lookup(id int64) *tracked {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[id]
}

// Start runs the instance's session. It is a no-op when a live session for
// the instance is already tracked.
func (s *Supervisor) Start(ctx context.Context, id int64) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.start(ctx, id)
}

func (s *Supervisor) start(ctx context.Context, id int64) error {
	s.mu.RLock()
	closed := s.closed
	t := s.running[id]
	s.mu.RUnlock()
	if closed {
		return ErrSupervisorClosed
	}
	if t != nil && !t.exited() {
		return nil
	}

	inst, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !inst.Enabled {
		return fmt.Errorf("%w: %d", ErrDisabled, id)
	}

	runner, err := s.factory.Build(inst)
	if err != nil {
		return fmt.Errorf("building instance %d: %w", id, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t = &tracked{
		id:          id,
		runner:      runner,
		fingerprint: inst.Connection().Fingerprint(id),
		startedAt:   s.now(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	s.running[id] = t
	s.mu.Unlock()

	go s.run(runCtx, t)

	s.logger.Info("instance started", "instance_id", id, "name", inst.Name, "fingerprint", t.fingerprint)
	return nil
}

func (s *Supervisor) run(ctx context.Context, t *tracked) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("instance %d panicked: %v", t.id, r)
			s.logger.Error("instance runner panic recovered", "instance_id", t.id, "panic", r)
		}
	}()

	t.err = t.runner.Run(ctx)
	if errors.Is(t.err, remote.ErrPermanentlyStopped) {
		s.logger.Error("instance permanently stopped", "instance_id", t.id, "error", t.err)
	}
}

// Stop cancels the instance's session and waits up to the grace period for
// it to exit. Local bookkeeping is removed whether or not the wait succeeds.
func (s *Supervisor) Stop(ctx context.Context, id int64) StopResult {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stop(ctx, id)
}

func (s *Supervisor) stop(ctx context.Context, id int64) StopResult {
	s.mu.Lock()
	t := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()

	if t == nil {
		return StopResult{}
	}

	res := StopResult{WasRunning: !t.exited(), Graceful: true}
	t.cancel()

	grace := time.NewTimer(s.stopGrace)
	defer grace.Stop()
	select {
	case <-t.done:
	case <-grace.C:
		res.Graceful = false
		s.logger.Warn("instance did not stop within grace period", "instance_id", id, "grace", s.stopGrace.String())
	case <-ctx.Done():
		res.Graceful = false
	}

	if s.heartbeats != nil {
		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
		if err := s.heartbeats.Clear(clearCtx, id); err != nil {
			s.logger.Warn("clearing heartbeat failed", "instance_id", id, "error", err)
		}
		cancel()
	}

	s.logger.Info("instance stopped", "instance_id", id, "graceful", res.Graceful)
	return res
}

// Restart stops then starts the instance. Unless force is set, a restart
// within the cooldown of the previous one is refused with TooSoon.
func (s *Supervisor) Restart(ctx context.Context, id int64, force bool) (RestartResult, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	now := s.now()
	s.mu.Lock()
	last, ok := s.lastRestart[id]
	if ok && !force {
		if elapsed := now.Sub(last); elapsed < s.cooldown {
			s.mu.Unlock()
			return RestartResult{TooSoon: true, RetryAfterMS: (s.cooldown - elapsed).Milliseconds()}, nil
		}
	}
	s.lastRestart[id] = now
	s.mu.Unlock()

	s.stop(ctx, id)
	if err := s.start(ctx, id); err != nil {
		return RestartResult{}, err
	}
	return RestartResult{Restarted: true}, nil
}

// IsRunning reports whether the instance's session is alive. Instances this
// process runs answer from local bookkeeping; others fall back to heartbeat
// staleness.
func (s *Supervisor) IsRunning(ctx context.Context, id int64) (bool, error) {
	if t := s.lookup(id); t != nil {
		return !t.exited(), nil
	}
	if s.checker == nil {
		return false, nil
	}
	return s.checker.IsRunning(ctx, id)
}

// IsConfigChanged reports whether the persisted connection settings differ
// from the ones the running session was started with. An instance that is
// not running anywhere has nothing to drift from.
func (s *Supervisor) IsConfigChanged(ctx context.Context, id int64) (bool, error) {
	running := ""
	if t := s.lookup(id); t != nil {
		running = t.fingerprint
	} else {
		rec, alive, err := s.remoteHeartbeat(ctx, id)
		if err != nil || !alive || rec.Fingerprint == "" {
			return false, err
		}
		running = rec.Fingerprint
	}

	inst, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return running != inst.Connection().Fingerprint(id), nil
}

func (s *Supervisor) remoteHeartbeat(ctx context.Context, id int64) (heartbeat.Record, bool, error) {
	if s.heartbeats == nil {
		return heartbeat.Record{}, false, nil
	}
	rec, err := s.heartbeats.Last(ctx, id)
	if errors.Is(err, heartbeat.ErrNoHeartbeat) {
		return heartbeat.Record{}, false, nil
	}
	if err != nil {
		return heartbeat.Record{}, false, err
	}
	alive, err := s.checker.IsRunning(ctx, id)
	return rec, alive, err
}

// Status describes one instance.
func (s *Supervisor) Status(ctx context.Context, id int64) (Status, error) {
	inst, err := s.repo.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return s.status(ctx, inst)
}

// Statuses describes every configured instance.
func (s *Supervisor) Statuses(ctx context.Context) ([]Status, error) {
	instances, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(instances))
	for i := range instances {
		st, err := s.status(ctx, &instances[i])
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Supervisor) status(ctx context.Context, inst *Instance) (Status, error) {
	st := Status{InstanceID: inst.ID, Name: inst.Name, Enabled: inst.Enabled}

	if t := s.lookup(inst.ID); t != nil {
		stats := t.runner.Stats()
		st.Local = true
		st.Running = !t.exited()
		st.State = stats.State.String()
		st.Failures = stats.Failures
		st.StartedAt = t.startedAt
		st.ConfigFingerprint = t.fingerprint
		if !st.Running && t.err != nil {
			st.LastError = t.err.Error()
		}
		return st, nil
	}

	rec, alive, err := s.remoteHeartbeat(ctx, inst.ID)
	if err != nil {
		return Status{}, err
	}
	st.Running = alive
	if !rec.BeatAt.IsZero() {
		st.Host = rec.Host
		st.PID = rec.PID
		st.LastHeartbeatAt = rec.BeatAt
		st.ConfigFingerprint = rec.Fingerprint
	}
	return st, nil
}

// Tracked returns the IDs with local bookkeeping.
func (s *Supervisor) Tracked() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// Reconcile starts every enabled instance that is not tracked and stops
// tracked instances that were disabled or removed. Sessions that gave up
// stay down until restarted.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	instances, err := s.repo.List(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[int64]bool, len(instances))
	var errs []error
	for _, inst := range instances {
		if !inst.Enabled {
			continue
		}
		wanted[inst.ID] = true
		if s.lookup(inst.ID) != nil {
			continue
		}
		if err := s.Start(ctx, inst.ID); err != nil {
			errs = append(errs, err)
		}
	}

	for _, id := range s.Tracked() {
		if !wanted[id] {
			s.Stop(ctx, id)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every tracked instance concurrently and refuses further
// starts.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range s.Tracked() {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			s.stop(ctx, id)
		}(id)
	}
	wg.Wait()
}
