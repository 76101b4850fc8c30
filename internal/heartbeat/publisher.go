package heartbeat

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/config"
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

// PublisherConfig holds configuration for a heartbeat publisher.
type PublisherConfig struct {
	InstanceID int64

	// IntervalSeconds is clamped to 1-60; zero selects 10.
	IntervalSeconds int

	// Fingerprint is written with every beat.
	Fingerprint string

	Store *Store
}

// Publisher writes an instance's heartbeat at a fixed interval.
type Publisher struct {
	instanceID  int64
	interval    time.Duration
	store       *Store
	fingerprint string
	host        string
	pid         int
	now         func() time.Time

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// NewPublisher creates a heartbeat publisher. Call Start to begin.
func NewPublisher(cfg PublisherConfig) *Publisher {
	host, _ := os.Hostname() //nolint:errcheck // Host is informational

	return &Publisher{
		instanceID:  cfg.InstanceID,
		interval:    time.Duration(config.ClampHeartbeatInterval(cfg.IntervalSeconds)) * time.Second,
		store:       cfg.Store,
		fingerprint: cfg.Fingerprint,
		host:        host,
		pid:         os.Getpid(),
		now:         time.Now,
		done:        make(chan struct{}),
		logger:      noopLogger{},
	}
}

// SetLogger sets the logger. Call before Start.
func (p *Publisher) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	p.logger = logger
}

// Interval returns the effective heartbeat interval.
func (p *Publisher) Interval() time.Duration {
	return p.interval
}

// Start writes a heartbeat immediately and then every interval until ctx is
// cancelled or Stop is called.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.beatLoop(ctx)
}

// Stop ends the loop and waits for it. Safe to call multiple times.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

// BeatNow writes one heartbeat.
func (p *Publisher) BeatNow(ctx context.Context) error {
	return p.store.Beat(ctx, Record{
		InstanceID:  p.instanceID,
		BeatAt:      p.now(),
		Host:        p.host,
		PID:         p.pid,
		Fingerprint: p.fingerprint,
	})
}

func (p *Publisher) beatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

func (p *Publisher) beat(ctx context.Context) {
	if err := p.BeatNow(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("heartbeat write failed", "instance_id", p.instanceID, "error", err)
	}
}
