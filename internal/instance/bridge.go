package instance

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/heartbeat"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-halink/internal/queue"
	"github.com/nerrad567/gray-logic-halink/internal/registrysync"
	"github.com/nerrad567/gray-logic-halink/internal/remote"
	"github.com/nerrad567/gray-logic-halink/internal/status"
)

// failInFlightTimeout bounds the startup sweep of entries a previous owner
// left in flight.
const failInFlightTimeout = 5 * time.Second

// Metrics is the telemetry the bridge components write.
type Metrics interface {
	queue.Metrics
	registrysync.TallyMetrics
	status.SessionMetrics
}

// LoggerFor hands out per-component, per-instance loggers.
type LoggerFor func(component string, instanceID int64) Logger

// BridgeDeps are the shared resources every instance's bridge is built from.
type BridgeDeps struct {
	Remote    config.RemoteConfig
	WebSocket config.WebSocketConfig

	Queue      *queue.Store
	Heartbeats *heartbeat.Store
	Registry   *registrysync.Store

	// Status receives every instance's transitions. Optional.
	Status status.Notifier

	// Publisher and Topics carry registry change notifications. Optional.
	Publisher registrysync.JSONPublisher
	Topics    mqtt.Topics

	// Metrics is optional.
	Metrics Metrics

	// Logger is optional.
	Logger LoggerFor
}

// Bridge is the Runner for one instance: the session, its queue drain loop,
// heartbeat publisher and registry sync.
type Bridge struct {
	id         int64
	session    *remote.Session
	drainer    *queue.Drainer
	syncer     *registrysync.Syncer
	queue      *queue.Store
	heartbeats *heartbeat.Publisher
	logger     Logger
}

// NewBridgeFactory returns a Factory building Bridges from deps.
func NewBridgeFactory(deps BridgeDeps) Factory {
	return FactoryFunc(func(inst *Instance) (Runner, error) {
		return NewBridge(deps, inst), nil
	})
}

// NewBridge wires one instance's components.
func NewBridge(deps BridgeDeps, inst *Instance) *Bridge {
	rc := deps.Remote
	logFor := func(component string) Logger {
		if deps.Logger == nil {
			return noopLogger{}
		}
		return deps.Logger(component, inst.ID)
	}

	session := remote.NewSession(remote.Config{
		InstanceID:      inst.ID,
		Endpoint:        inst.EndpointURL,
		Credential:      inst.Credential,
		RequestTimeout:  config.Seconds(rc.RequestTimeout),
		ReconnectDelays: rc.ReconnectSchedule(),
		MaxFailures:     rc.MaxFailures,
		PingInterval:    config.Seconds(deps.WebSocket.PingInterval),
		PongTimeout:     config.Seconds(deps.WebSocket.PongTimeout),
		MaxMessageSize:  int64(deps.WebSocket.MaxMessageSize),
		Subscriptions: remote.SubscriptionsConfig{
			IdleTimeout:    config.Seconds(rc.SubscriptionIdleTimeout),
			MaxDuration:    config.Seconds(rc.SubscriptionMaxDuration),
			ReaperInterval: config.Seconds(rc.ReaperInterval),
		},
	})
	session.SetLogger(logFor("remote"))
	session.Subscriptions().SetRequestors(deps.Queue)

	if deps.Status != nil {
		session.SetStateListener(status.SessionListener(deps.Status))
	}

	drainer := queue.NewDrainer(deps.Queue, session, queue.DrainConfig{
		InstanceID:     inst.ID,
		BatchSize:      rc.DrainBatchSize,
		Interval:       config.Millis(rc.DrainIntervalMS),
		RequestTimeout: config.Seconds(rc.RequestTimeout),
		Retention:      config.Seconds(rc.QueueRetention),
	})
	drainer.SetLogger(logFor("queue"))

	var notifier registrysync.ChangeNotifier
	if deps.Publisher != nil {
		n := registrysync.NewMQTTNotifier(deps.Publisher, deps.Topics)
		n.SetLogger(logFor("registrysync"))
		notifier = n
	}
	syncer := registrysync.NewSyncer(registrysync.Config{
		InstanceID: inst.ID,
		Fetcher:    registrysync.NewRemoteFetcher(session),
		Store:      deps.Registry,
		Notifier:   notifier,
		Window:     config.Millis(rc.DebounceWindowMS),
	})
	syncer.SetLogger(logFor("registrysync"))

	if deps.Metrics != nil {
		drainer.SetMetrics(deps.Metrics)
		syncer.SetMetrics(deps.Metrics)
	}

	var publisher *heartbeat.Publisher
	if deps.Heartbeats != nil {
		publisher = heartbeat.NewPublisher(heartbeat.PublisherConfig{
			InstanceID:      inst.ID,
			IntervalSeconds: rc.HeartbeatInterval,
			Fingerprint:     inst.Connection().Fingerprint(inst.ID),
			Store:           deps.Heartbeats,
		})
		publisher.SetLogger(logFor("heartbeat"))
	}

	// The drain loop and bulk sync need a live socket; both run per
	// connection and end with it.
	session.OnConnected(drainer.Run)
	session.OnConnected(syncer.Hook())
	session.OnEvent(syncer.HandleEvent)

	return &Bridge{
		id:         inst.ID,
		session:    session,
		drainer:    drainer,
		syncer:     syncer,
		queue:      deps.Queue,
		heartbeats: publisher,
		logger:     logFor("instance"),
	}
}

// Session returns the bridge's session.
func (b *Bridge) Session() *remote.Session {
	return b.session
}

// Stats returns the session counters.
func (b *Bridge) Stats() remote.Stats {
	return b.session.Stats()
}

// Run fails entries a previous owner left in flight, then runs the session
// until ctx is cancelled or it gives up. The heartbeat is written for the
// whole run, connected or not.
func (b *Bridge) Run(ctx context.Context) error {
	sweepCtx, cancel := context.WithTimeout(ctx, failInFlightTimeout)
	n, err := b.queue.FailInFlight(sweepCtx, b.id, "worker restarted")
	cancel()
	if err != nil {
		b.logger.Warn("failing in-flight queue entries", "instance_id", b.id, "error", err)
	} else if n > 0 {
		b.logger.Info("failed queue entries left in flight", "instance_id", b.id, "count", n)
	}

	if b.heartbeats != nil {
		b.heartbeats.Start(ctx)
		defer b.heartbeats.Stop()
	}
	defer b.syncer.Close()
	defer b.drainer.Wait()

	return b.session.Run(ctx)
}
