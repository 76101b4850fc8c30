// HA Link - remote controller bridge worker
//
// This is the main entry point for the halink worker. It owns one WebSocket
// session per configured remote controller instance and serves:
//   - the cross-process request queue (drained per instance)
//   - heartbeats for liveness checks from other processes
//   - registry mirroring with debounced change handling
//   - the operational HTTP API and status stream
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-halink/migrations"

	"github.com/nerrad567/gray-logic-halink/internal/api"
	"github.com/nerrad567/gray-logic-halink/internal/audit"
	"github.com/nerrad567/gray-logic-halink/internal/heartbeat"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-halink/internal/instance"
	"github.com/nerrad567/gray-logic-halink/internal/queue"
	"github.com/nerrad567/gray-logic-halink/internal/registrysync"
	"github.com/nerrad567/gray-logic-halink/internal/status"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds stopping every instance on exit.
const shutdownTimeout = 15 * time.Second

// statusHistory is how many transitions the recorder keeps per instance.
const statusHistory = 50

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting halink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.FromConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	}

	influxClient, err := connectInfluxDB(cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	repo := instance.NewSQLiteRepository(db)
	if err := instance.Seed(ctx, repo, cfg.Remote.Instances); err != nil {
		return fmt.Errorf("seeding instances: %w", err)
	}

	queueStore := queue.NewStore(db)
	heartbeats := heartbeat.NewStore(db)

	// Status fan-out. The dispatcher preserves per-session order while
	// keeping slow sinks off the session goroutines.
	hub := api.NewHub(cfg.WebSocket, log.Component("api"))
	recorder := status.NewRecorder(statusHistory)
	sinks := status.Multi{
		status.NewLogNotifier(log.Component("status")),
		recorder,
		hub,
	}
	if mqttClient != nil {
		pub := status.NewMQTTPublisher(mqttClient, mqttClient.Topics())
		pub.SetLogger(log.Component("status"))
		sinks = append(sinks, pub)
	}
	if influxClient != nil {
		sinks = append(sinks, status.NewMetricsNotifier(influxClient))
	}
	dispatcher := status.NewDispatcher(sinks)
	defer dispatcher.Close()

	deps := instance.BridgeDeps{
		Remote:     cfg.Remote,
		WebSocket:  cfg.WebSocket,
		Queue:      queueStore,
		Heartbeats: heartbeats,
		Registry:   registrysync.NewStore(db),
		Status:     dispatcher,
		Logger: func(component string, instanceID int64) instance.Logger {
			return log.Component(component).ForInstance(instanceID)
		},
	}
	if mqttClient != nil {
		deps.Publisher = mqttClient
		deps.Topics = mqttClient.Topics()
	}
	if influxClient != nil {
		deps.Metrics = influxClient
	}

	supervisor := instance.NewSupervisor(instance.SupervisorConfig{
		Repository:        repo,
		Factory:           instance.NewBridgeFactory(deps),
		Heartbeats:        heartbeats,
		HeartbeatInterval: config.ClampHeartbeatInterval(cfg.Remote.HeartbeatInterval),
		StopGrace:         config.Seconds(cfg.Remote.StopGrace),
		RestartCooldown:   config.Seconds(cfg.Remote.RestartCooldown),
	})
	supervisor.SetLogger(log.Component("instance"))
	defer func() {
		log.Info("stopping instances")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		supervisor.StopAll(stopCtx)
	}()

	if err := supervisor.Reconcile(ctx); err != nil {
		// One bad instance must not keep the others down.
		log.Error("starting instances", "error", err)
	}
	log.Info("instances started", "running", len(supervisor.Tracked()))

	drift := instance.NewDriftScheduler(supervisor, config.Seconds(cfg.Remote.DriftCheckInterval))
	drift.SetLogger(log.Component("drift"))
	drift.Start(ctx)
	defer drift.Stop()

	if cfg.API.Enabled {
		go hub.Run(ctx)

		producer := queue.NewClient(queueStore, queue.ClientConfig{
			SubscriptionMaxDuration: config.Seconds(cfg.Remote.SubscriptionMaxDuration),
		})
		producer.SetLogger(log.Component("queue"))

		server, err := api.New(api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Security:    cfg.Security,
			Logger:      log.Component("api"),
			Instances:   supervisor,
			Queue:       producer,
			Recorder:    recorder,
			Audit:       audit.NewSQLiteRepository(db),
			DB:          db,
			MQTT:        mqttClient,
			InfluxDB:    influxClient,
			ExternalHub: hub,
			Version:     version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, drift scheduler, instances,
	// status dispatcher, InfluxDB, MQTT, database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses HALINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HALINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectMQTT connects to the broker when MQTT is enabled. A nil client with
// a nil error means MQTT is disabled.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil, nil
	}

	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// connectInfluxDB connects when telemetry is enabled. A nil client with a nil
// error means it is disabled.
func connectInfluxDB(cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}

	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})

	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// healthCheck verifies all infrastructure connections are healthy.
// MQTT and InfluxDB are skipped when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
