package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nerrad567/gray-logic-halink/internal/audit"
	"github.com/nerrad567/gray-logic-halink/internal/heartbeat"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-halink/internal/instance"
	"github.com/nerrad567/gray-logic-halink/internal/queue"

	_ "github.com/nerrad567/gray-logic-halink/migrations"
)

// Setting keys. Each is a persistent flag and a HALINKCTL_ variable
// (dashes become underscores).
const (
	keyConfig            = "config"
	keyDB                = "db"
	keyAPIURL            = "api-url"
	keySecret            = "secret"
	keyHeartbeatInterval = "heartbeat-interval"
	keyJSON              = "json"
	keyNoColor           = "no-color"
)

const (
	defaultDBPath = "./data/halink.db"
	defaultAPIURL = "http://127.0.0.1:8092"
)

// settings are the resolved connection settings for one invocation.
// Flags and environment win over the worker config file, which wins over
// built-in defaults.
type settings struct {
	dbPath            string
	apiURL            string
	secret            string
	heartbeatInterval int
	json              bool
}

// cli carries state shared by every subcommand.
type cli struct {
	v   *viper.Viper
	cfg settings
}

func newRootCmd() *cobra.Command {
	return newRootCommand(&cli{v: viper.New()})
}

func newRootCommand(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "halinkctl",
		Short:         "Inspect and operate halink remote controller bridges",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.resolve()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String(keyConfig, "", "worker config file to read defaults from")
	flags.String(keyDB, "", "path to the shared SQLite database (default "+defaultDBPath+")")
	flags.String(keyAPIURL, "", "worker API base URL (default "+defaultAPIURL+")")
	flags.String(keySecret, "", "JWT secret used to mint service tokens")
	flags.Int(keyHeartbeatInterval, 0, "worker heartbeat interval in seconds")
	flags.Bool(keyJSON, false, "print JSON instead of tables")
	flags.Bool(keyNoColor, false, "disable colour output")

	c.v.SetEnvPrefix("HALINKCTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	//nolint:errcheck // Only fails for a nil flag set
	c.v.BindPFlags(flags)

	rootCmd.AddCommand(
		newStatusCmd(c),
		newConfigChangedCmd(c),
		newCallCmd(c),
		newLifecycleCmd(c, "start", "Start an instance's session on the worker"),
		newLifecycleCmd(c, "stop", "Stop an instance's session on the worker"),
		newRestartCmd(c),
		newTokenCmd(c),
		newAuditCmd(c),
	)

	return rootCmd
}

// resolve merges flags, environment, the optional config file and defaults.
func (c *cli) resolve() error {
	if c.v.GetBool(keyNoColor) {
		color.NoColor = true
	}

	s := settings{
		dbPath:            c.v.GetString(keyDB),
		apiURL:            c.v.GetString(keyAPIURL),
		secret:            c.v.GetString(keySecret),
		heartbeatInterval: c.v.GetInt(keyHeartbeatInterval),
		json:              c.v.GetBool(keyJSON),
	}

	if path := c.v.GetString(keyConfig); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if s.dbPath == "" {
			s.dbPath = cfg.Database.Path
		}
		if s.apiURL == "" {
			s.apiURL = fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
		}
		if s.secret == "" {
			s.secret = cfg.Security.JWT.Secret
		}
		if s.heartbeatInterval == 0 {
			s.heartbeatInterval = cfg.Remote.HeartbeatInterval
		}
	}

	if s.dbPath == "" {
		s.dbPath = defaultDBPath
	}
	if s.apiURL == "" {
		s.apiURL = defaultAPIURL
	}
	s.apiURL = strings.TrimRight(s.apiURL, "/")
	s.heartbeatInterval = config.ClampHeartbeatInterval(s.heartbeatInterval)

	c.cfg = s
	return nil
}

// local is the database-backed view used by commands that do not need the API.
type local struct {
	db         *database.DB
	repo       *instance.SQLiteRepository
	audit      *audit.SQLiteRepository
	heartbeats *heartbeat.Store
	queue      *queue.Store
}

func (c *cli) openLocal(ctx context.Context) (*local, error) {
	db, err := database.Open(database.Config{
		Path:        c.cfg.dbPath,
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &local{
		db:         db,
		repo:       instance.NewSQLiteRepository(db),
		audit:      audit.NewSQLiteRepository(db),
		heartbeats: heartbeat.NewStore(db),
		queue:      queue.NewStore(db),
	}, nil
}

func (l *local) Close() error {
	return l.db.Close()
}

// supervisor returns a Supervisor with no factory. It never runs sessions
// itself, so every answer comes from the repository and heartbeats.
func (l *local) supervisor(heartbeatInterval int) *instance.Supervisor {
	return instance.NewSupervisor(instance.SupervisorConfig{
		Repository:        l.repo,
		Heartbeats:        l.heartbeats,
		HeartbeatInterval: heartbeatInterval,
	})
}

// ago renders how long before now t was, rounded for display.
func ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < time.Second {
		return "just now"
	}
	return d.Round(time.Second).String() + " ago"
}
