package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the HA Link worker.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Remote    RemoteConfig    `yaml:"remote"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains settings shared by the status stream server and
// the outbound remote sessions. Intervals are in seconds.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains service token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// RemoteConfig tunes the bridge to remote controller instances.
// Durations are in seconds unless the field name says otherwise.
type RemoteConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	RequestTimeout          int `yaml:"request_timeout"`
	SubscriptionIdleTimeout int `yaml:"subscription_idle_timeout"`
	SubscriptionMaxDuration int `yaml:"subscription_max_duration"`

	ReconnectDelays []int `yaml:"reconnect_delays"`
	MaxFailures     int   `yaml:"max_failures"`

	ReaperInterval     int `yaml:"reaper_interval"`
	DrainBatchSize     int `yaml:"drain_batch_size"`
	DrainIntervalMS    int `yaml:"drain_interval_ms"`
	RestartCooldown    int `yaml:"restart_cooldown"`
	StopGrace          int `yaml:"stop_grace"`
	DebounceWindowMS   int `yaml:"debounce_window_ms"`
	DriftCheckInterval int `yaml:"drift_check_interval"`
	QueueRetention     int `yaml:"queue_retention"`

	// Instances are upserted into the instance table at startup.
	// The table remains the source of truth.
	Instances []InstanceConfig `yaml:"instances"`
}

// InstanceConfig seeds one remote controller connection.
type InstanceConfig struct {
	ID          int64  `yaml:"id"`
	Name        string `yaml:"name"`
	EndpointURL string `yaml:"endpoint_url"`
	Credential  string `yaml:"credential"`
	Enabled     bool   `yaml:"enabled"`
}

// Heartbeat interval bounds in seconds.
const (
	MinHeartbeatInterval     = 1
	MaxHeartbeatInterval     = 60
	DefaultHeartbeatInterval = 10
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HALINK_SECTION_KEY
// For example: HALINK_DB_PATH, HALINK_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is supplied.
// It is not validated; callers that need a usable config must still set a JWT secret.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/halink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "halink",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "halink",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8092,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 75,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 16 << 20,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Org:           "graylogic",
			Bucket:        "halink",
			BatchSize:     500,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
		Remote: RemoteConfig{
			HeartbeatInterval:       DefaultHeartbeatInterval,
			RequestTimeout:          10,
			SubscriptionIdleTimeout: 5,
			SubscriptionMaxDuration: 60,
			ReconnectDelays:         []int{5, 10, 15, 30, 60},
			MaxFailures:             5,
			ReaperInterval:          30,
			DrainBatchSize:          10,
			DrainIntervalMS:         200,
			RestartCooldown:         5,
			StopGrace:               10,
			DebounceWindowMS:        500,
			DriftCheckInterval:      30,
			QueueRetention:          3600,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HALINK_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("HALINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HALINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HALINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("HALINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("HALINK_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("HALINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Always override in production.
	if v := os.Getenv("HALINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("HALINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set HALINK_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	errs = append(errs, c.Remote.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (r *RemoteConfig) validate() []string {
	var errs []string

	if len(r.ReconnectDelays) == 0 {
		errs = append(errs, "remote.reconnect_delays must not be empty")
	}
	for _, d := range r.ReconnectDelays {
		if d <= 0 {
			errs = append(errs, "remote.reconnect_delays entries must be positive")
			break
		}
	}
	if r.MaxFailures < 1 {
		errs = append(errs, "remote.max_failures must be at least 1")
	}
	if r.DrainBatchSize < 1 {
		errs = append(errs, "remote.drain_batch_size must be at least 1")
	}
	if r.RequestTimeout < 1 {
		errs = append(errs, "remote.request_timeout must be at least 1")
	}

	seen := make(map[int64]bool, len(r.Instances))
	for i, inst := range r.Instances {
		if inst.ID <= 0 {
			errs = append(errs, fmt.Sprintf("remote.instances[%d].id must be positive", i))
		}
		if seen[inst.ID] {
			errs = append(errs, fmt.Sprintf("remote.instances[%d].id %d is duplicated", i, inst.ID))
		}
		seen[inst.ID] = true
		if inst.EndpointURL == "" {
			errs = append(errs, fmt.Sprintf("remote.instances[%d].endpoint_url is required", i))
		}
	}

	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval clamped to the
// supported 1-60 second range. Zero or negative selects the default.
func (r RemoteConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(ClampHeartbeatInterval(r.HeartbeatInterval)) * time.Second
}

// ClampHeartbeatInterval bounds a heartbeat interval in seconds.
func ClampHeartbeatInterval(seconds int) int {
	switch {
	case seconds <= 0:
		return DefaultHeartbeatInterval
	case seconds < MinHeartbeatInterval:
		return MinHeartbeatInterval
	case seconds > MaxHeartbeatInterval:
		return MaxHeartbeatInterval
	default:
		return seconds
	}
}

// ReconnectSchedule returns the reconnect delay table as durations.
func (r RemoteConfig) ReconnectSchedule() []time.Duration {
	out := make([]time.Duration, len(r.ReconnectDelays))
	for i, d := range r.ReconnectDelays {
		out[i] = time.Duration(d) * time.Second
	}
	return out
}

// Seconds converts a seconds field to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a milliseconds field to a Duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
