package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Remote       RemoteConfig       `yaml:"remote"`
	Preferences  PreferencesConfig  `yaml:"preferences"`
	Cache        CacheConfig        `yaml:"cache"`
	Coalescer    CoalescerConfig    `yaml:"coalescer"`
	Transition   TransitionConfig   `yaml:"transition"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Notifier     NotifierConfig     `yaml:"notifier"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig contains local control API settings
type ServerConfig struct {
	Addr              string `yaml:"addr"`
	ReadTimeout       int    `yaml:"read_timeout"`
	WriteTimeout      int    `yaml:"write_timeout"`
	IdleTimeout       int    `yaml:"idle_timeout"`
	ForegroundTimeout int    `yaml:"foreground_timeout"`
}

// StorageConfig contains snapshot store settings
type StorageConfig struct {
	DataDir                string `yaml:"data_dir"`
	StorageType            string `yaml:"storage_type"`
	SnapshotTTLMinutes     int    `yaml:"snapshot_ttl_minutes"`
	GCIntervalMinutes      int    `yaml:"gc_interval_minutes"`
	CacheEnabled           bool   `yaml:"cache_enabled"`
	CacheSize              int    `yaml:"cache_size"`
	CacheExpirationSeconds int    `yaml:"cache_expiration_seconds"`
}

// RealtimeConfig selects and configures the change-event source
type RealtimeConfig struct {
	// "hub" keeps events in process, "websocket" joins the remote realtime endpoint
	Source            string `yaml:"source"`
	URL               string `yaml:"url"`
	APIKey            string `yaml:"api_key"`
	Schema            string `yaml:"schema"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	HandshakeTimeout  int    `yaml:"handshake_timeout"`
	MaxBufferSize     int    `yaml:"max_buffer_size"`
}

// RemoteConfig selects and configures the refresh-fetch backend
type RemoteConfig struct {
	// "rest" or "postgres"
	Backend         string `yaml:"backend"`
	URL             string `yaml:"url"`
	APIKey          string `yaml:"api_key"`
	DatabaseURL     string `yaml:"database_url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	Limit           int    `yaml:"limit"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// PreferencesConfig configures the notification preference store
type PreferencesConfig struct {
	// "static" or "redis"
	Store           string                        `yaml:"store"`
	RedisURL        string                        `yaml:"redis_url"`
	CacheTTLSeconds int                           `yaml:"cache_ttl_seconds"`
	Defaults        proto.NotificationPreferences `yaml:"defaults"`
}

// CacheConfig contains query cache settings
type CacheConfig struct {
	Capacity          int `yaml:"capacity"`
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
}

// CoalescerConfig contains refresh debounce settings
type CoalescerConfig struct {
	WindowMs              int `yaml:"window_ms"`
	RefreshTimeoutSeconds int `yaml:"refresh_timeout_seconds"`
}

// TransitionConfig contains transition detector settings
type TransitionConfig struct {
	MemorySize int `yaml:"memory_size"`
}

// DispatcherConfig contains notification dispatch settings
type DispatcherConfig struct {
	LedgerSize            int    `yaml:"ledger_size"`
	DeferDuringQuietHours bool   `yaml:"defer_during_quiet_hours"`
	Timezone              string `yaml:"timezone"`
}

// NotifierConfig contains notification stream settings
type NotifierConfig struct {
	MaxIdleTime              int `yaml:"max_idle_time"`
	HeartbeatInterval        int `yaml:"heartbeat_interval"`
	BroadcastBufferSize      int `yaml:"broadcast_buffer_size"`
	BroadcastFlushIntervalMs int `yaml:"broadcast_flush_interval_ms"`
	ClientBufferSize         int `yaml:"client_buffer_size"`
	HistorySize              int `yaml:"history_size"`
}

// SubscriptionConfig contains session lifecycle settings
type SubscriptionConfig struct {
	ReconnectInitialMs        int `yaml:"reconnect_initial_ms"`
	ReconnectMaxSeconds       int `yaml:"reconnect_max_seconds"`
	PreferencesTimeoutSeconds int `yaml:"preferences_timeout_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8080",
			ReadTimeout:       5,
			WriteTimeout:      10,
			IdleTimeout:       120,
			ForegroundTimeout: 20,
		},
		Storage: StorageConfig{
			DataDir:                "./data",
			StorageType:            "badger",
			SnapshotTTLMinutes:     24 * 60,
			GCIntervalMinutes:      10,
			CacheEnabled:           true,
			CacheSize:              64,
			CacheExpirationSeconds: 30,
		},
		Realtime: RealtimeConfig{
			Source:            "hub",
			Schema:            "public",
			HeartbeatInterval: 30,
			HandshakeTimeout:  10,
			MaxBufferSize:     256,
		},
		Remote: RemoteConfig{
			Backend:         "rest",
			URL:             "http://localhost:54321",
			TimeoutSeconds:  10,
			Limit:           500,
			CacheTTLSeconds: 30,
		},
		Preferences: PreferencesConfig{
			Store:           "static",
			CacheTTLSeconds: 60,
			Defaults:        proto.DefaultPreferences(),
		},
		Cache: CacheConfig{
			Capacity:          512,
			DefaultTTLSeconds: 30,
		},
		Coalescer: CoalescerConfig{
			WindowMs:              300,
			RefreshTimeoutSeconds: 15,
		},
		Transition: TransitionConfig{
			MemorySize: 10000,
		},
		Dispatcher: DispatcherConfig{
			LedgerSize:            4096,
			DeferDuringQuietHours: false,
			Timezone:              "Local",
		},
		Notifier: NotifierConfig{
			MaxIdleTime:              300,
			HeartbeatInterval:        30,
			BroadcastBufferSize:      32,
			BroadcastFlushIntervalMs: 50,
			ClientBufferSize:         64,
			HistorySize:              50,
		},
		Subscription: SubscriptionConfig{
			ReconnectInitialMs:        500,
			ReconnectMaxSeconds:       30,
			PreferencesTimeoutSeconds: 5,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: false,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "stocksync",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Command line flags take precedence
	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the components cannot run with
func (c *Config) Validate() error {
	switch c.Storage.StorageType {
	case "badger", "memory":
	default:
		return fmt.Errorf("invalid storage type %q: must be badger or memory", c.Storage.StorageType)
	}

	switch c.Realtime.Source {
	case "hub":
	case "websocket":
		if c.Realtime.URL == "" {
			return fmt.Errorf("realtime.url is required for the websocket source")
		}
	default:
		return fmt.Errorf("invalid realtime source %q: must be hub or websocket", c.Realtime.Source)
	}

	switch c.Remote.Backend {
	case "rest":
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for the rest backend")
		}
	case "postgres":
		if c.Remote.DatabaseURL == "" {
			return fmt.Errorf("remote.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid remote backend %q: must be rest or postgres", c.Remote.Backend)
	}

	switch c.Preferences.Store {
	case "static":
	case "redis":
		if c.Preferences.RedisURL == "" {
			return fmt.Errorf("preferences.redis_url is required for the redis store")
		}
	default:
		return fmt.Errorf("invalid preferences store %q: must be static or redis", c.Preferences.Store)
	}

	if c.Coalescer.WindowMs <= 0 {
		return fmt.Errorf("coalescer.window_ms must be positive")
	}

	return nil
}

// applyEnvOverrides applies STOCKSYNC_* environment variables to the configuration
func applyEnvOverrides(config *Config) {
	setString := func(name string, target *string) {
		if v := os.Getenv(name); v != "" {
			*target = v
		}
	}
	setInt := func(name string, target *int) {
		if v := os.Getenv(name); v != "" {
			if val, err := strconv.Atoi(v); err == nil {
				*target = val
			} else {
				log.Warn().Str("env", name).Str("value", v).Msg("Ignoring non-integer environment override")
			}
		}
	}
	setBool := func(name string, target *bool) {
		if v := os.Getenv(name); v != "" {
			if val, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*target = val
			}
		}
	}

	// Server
	setString("STOCKSYNC_SERVER_ADDR", &config.Server.Addr)

	// Storage
	setString("STOCKSYNC_STORAGE_DATA_DIR", &config.Storage.DataDir)
	setString("STOCKSYNC_STORAGE_TYPE", &config.Storage.StorageType)

	// Realtime
	setString("STOCKSYNC_REALTIME_SOURCE", &config.Realtime.Source)
	setString("STOCKSYNC_REALTIME_URL", &config.Realtime.URL)
	setString("STOCKSYNC_REALTIME_API_KEY", &config.Realtime.APIKey)

	// Remote
	setString("STOCKSYNC_REMOTE_BACKEND", &config.Remote.Backend)
	setString("STOCKSYNC_REMOTE_URL", &config.Remote.URL)
	setString("STOCKSYNC_REMOTE_API_KEY", &config.Remote.APIKey)
	setString("STOCKSYNC_DATABASE_URL", &config.Remote.DatabaseURL)

	// Preferences
	setString("STOCKSYNC_PREFERENCES_STORE", &config.Preferences.Store)
	setString("STOCKSYNC_REDIS_URL", &config.Preferences.RedisURL)

	// Timing
	setInt("STOCKSYNC_COALESCER_WINDOW_MS", &config.Coalescer.WindowMs)
	setInt("STOCKSYNC_CACHE_DEFAULT_TTL_SECONDS", &config.Cache.DefaultTTLSeconds)
	setBool("STOCKSYNC_DISPATCHER_DEFER_DURING_QUIET_HOURS", &config.Dispatcher.DeferDuringQuietHours)
	setString("STOCKSYNC_DISPATCHER_TIMEZONE", &config.Dispatcher.Timezone)

	// Logging
	setString("STOCKSYNC_LOG_LEVEL", &config.Logging.Level)
	setString("STOCKSYNC_LOG_FORMAT", &config.Logging.Format)

	// Telemetry
	setBool("STOCKSYNC_TELEMETRY_ENABLED", &config.Telemetry.Enabled)
	setString("STOCKSYNC_TELEMETRY_ENDPOINT", &config.Telemetry.Endpoint)
}
