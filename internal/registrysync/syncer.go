package registrysync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/remote"
)

// applyTimeout bounds one debounced fetch-and-apply.
const applyTimeout = 30 * time.Second

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

// TallyMetrics receives bulk sync tallies.
type TallyMetrics interface {
	RecordSyncTally(instanceID int64, kind string, created, updated, failed int)
}

// Config configures a Syncer.
type Config struct {
	InstanceID int64
	Fetcher    Fetcher
	Store      *Store

	// Notifier is optional.
	Notifier ChangeNotifier

	// Window defaults to DefaultDebounceWindow.
	Window time.Duration

	// Clock is replaced in tests.
	Clock Clock
}

// Syncer keeps one instance's registry mirror in step with the controller.
type Syncer struct {
	instanceID int64
	fetcher    Fetcher
	store      *Store
	notifier   ChangeNotifier
	debouncer  *Debouncer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	logger  Logger
	metrics TallyMetrics
}

// NewSyncer creates a syncer. Close releases its timers.
func NewSyncer(cfg Config) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		instanceID: cfg.InstanceID,
		fetcher:    cfg.Fetcher,
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		ctx:        ctx,
		cancel:     cancel,
		logger:     noopLogger{},
	}
	s.debouncer = NewDebouncer(cfg.Window, cfg.Clock, s.apply)
	return s
}

// SetLogger sets the logger.
func (s *Syncer) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// SetMetrics sets the tally sink.
func (s *Syncer) SetMetrics(m TallyMetrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

func (s *Syncer) log() Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

// Notify records a change to one object. See Debouncer.
func (s *Syncer) Notify(key Key, change Change) {
	if !key.Kind.Valid() || key.ID == "" {
		s.log().Debug("ignoring registry change with invalid key", "key", key.String())
		return
	}
	s.debouncer.Notify(key, change)
}

// HandleEvent turns registry update events into debounced changes. Other
// events are ignored.
func (s *Syncer) HandleEvent(_ context.Context, ev remote.Event) {
	kind, ok := KindForEvent(ev.Kind)
	if !ok {
		return
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		s.log().Warn("malformed registry event", "event_type", ev.Type, "error", err)
		return
	}
	var action, id string
	if err := json.Unmarshal(data["action"], &action); err != nil {
		s.log().Warn("registry event without action", "event_type", ev.Type)
		return
	}
	if err := json.Unmarshal(data[kind.eventIDField()], &id); err != nil || id == "" {
		s.log().Warn("registry event without object id", "event_type", ev.Type)
		return
	}

	change := Change(action)
	switch change {
	case ChangeCreate, ChangeUpdate, ChangeRemove:
	default:
		s.log().Debug("ignoring registry action", "event_type", ev.Type, "action", action)
		return
	}
	s.Notify(Key{Kind: kind, ID: id}, change)
}

// apply is the debounced action: fetch, write the mirror, then notify.
func (s *Syncer) apply(key Key, change Change) {
	ctx, cancel := context.WithTimeout(s.ctx, applyTimeout)
	defer cancel()

	if err := s.Apply(ctx, key, change); err != nil {
		s.log().Warn("registry sync failed",
			"instance_id", s.instanceID,
			"key", key.String(),
			"action", string(change),
			"error", err,
		)
	}
}

// Apply brings one object's mirror up to date immediately. A create or
// update for an object the controller no longer lists removes the mirror.
func (s *Syncer) Apply(ctx context.Context, key Key, change Change) error {
	if change == ChangeRemove {
		return s.remove(ctx, key)
	}

	obj, err := fetchOne(ctx, s.fetcher, key)
	if errors.Is(err, ErrObjectNotFound) {
		return s.remove(ctx, key)
	}
	if err != nil {
		return err
	}

	created, err := s.store.Apply(ctx, s.instanceID, obj)
	if err != nil {
		return err
	}
	applied := ChangeUpdate
	if created {
		applied = ChangeCreate
	}
	s.notify(key, applied)
	return nil
}

func (s *Syncer) remove(ctx context.Context, key Key) error {
	removed, err := s.store.Remove(ctx, s.instanceID, key)
	if err != nil {
		return err
	}
	if removed {
		s.notify(key, ChangeRemove)
	}
	return nil
}

func (s *Syncer) notify(key Key, change Change) {
	if s.notifier != nil {
		s.notifier.RegistryChanged(s.instanceID, key, change)
	}
}

// BulkSync mirrors every registry kind in BulkOrder. Each record is applied
// in its own transaction; a bad record is counted as failed and the batch
// continues. A kind that cannot be listed is skipped and reported in the
// returned error alongside the partial result.
func (s *Syncer) BulkSync(ctx context.Context) (Result, error) {
	res := Result{ByKind: make(map[Kind]Tally, len(BulkOrder))}
	var errs []error

	for _, kind := range BulkOrder {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		tally, err := s.syncKind(ctx, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.ByKind[kind] = tally
		res.Total.Add(tally)

		s.mu.RLock()
		m := s.metrics
		s.mu.RUnlock()
		if m != nil {
			m.RecordSyncTally(s.instanceID, string(kind), tally.Created, tally.Updated, tally.Failed)
		}
	}

	s.log().Info("registry bulk sync finished",
		"instance_id", s.instanceID,
		"created", res.Total.Created,
		"updated", res.Total.Updated,
		"failed", res.Total.Failed,
	)
	return res, errors.Join(errs...)
}

func (s *Syncer) syncKind(ctx context.Context, kind Kind) (Tally, error) {
	records, err := s.fetcher.List(ctx, kind)
	if err != nil {
		return Tally{}, err
	}

	var (
		tally     Tally
		seen      = make(map[string]bool, len(records))
		malformed bool
	)
	for i, raw := range records {
		obj, err := decodeObject(kind, raw)
		if err != nil {
			tally.Failed++
			malformed = true
			s.log().Warn("skipping malformed registry record", "kind", string(kind), "index", i, "error", err)
			continue
		}
		seen[obj.ID] = true
		created, err := s.store.Apply(ctx, s.instanceID, obj)
		if err != nil {
			tally.Failed++
			s.log().Warn("registry record not applied", "key", obj.Key().String(), "error", err)
			continue
		}
		if created {
			tally.Created++
			s.notify(obj.Key(), ChangeCreate)
		} else {
			tally.Updated++
		}
	}

	// Objects removed while disconnected. Skipped when a record could not be
	// identified, since it may be one of the mirrored objects.
	if !malformed {
		s.prune(ctx, kind, seen)
	}
	return tally, nil
}

func (s *Syncer) prune(ctx context.Context, kind Kind, seen map[string]bool) {
	mirrored, err := s.store.List(ctx, s.instanceID, kind)
	if err != nil {
		s.log().Warn("listing mirror for prune failed", "kind", string(kind), "error", err)
		return
	}
	for _, obj := range mirrored {
		if seen[obj.ID] {
			continue
		}
		if err := s.remove(ctx, obj.Key()); err != nil {
			s.log().Warn("pruning registry object failed", "key", obj.Key().String(), "error", err)
		}
	}
}

// Hook returns a session connected hook running BulkSync.
func (s *Syncer) Hook() func(ctx context.Context) {
	return func(ctx context.Context) {
		if _, err := s.BulkSync(ctx); err != nil && ctx.Err() == nil {
			s.log().Warn("registry bulk sync incomplete", "instance_id", s.instanceID, "error", err)
		}
	}
}

// Close cancels scheduled changes and waits for running ones.
func (s *Syncer) Close() {
	s.cancel()
	s.debouncer.Close()
}
