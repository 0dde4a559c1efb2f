package config

import (
	"fmt"
	"time"

	"github.com/nkkko/stocksync/internal/api"
	"github.com/nkkko/stocksync/internal/coalescer"
	"github.com/nkkko/stocksync/internal/dispatcher"
	"github.com/nkkko/stocksync/internal/logging"
	"github.com/nkkko/stocksync/internal/notifier"
	"github.com/nkkko/stocksync/internal/querycache"
	"github.com/nkkko/stocksync/internal/realtime"
	"github.com/nkkko/stocksync/internal/remote"
	"github.com/nkkko/stocksync/internal/storage"
	"github.com/nkkko/stocksync/internal/subscription"
	"github.com/nkkko/stocksync/internal/telemetry"
	"github.com/nkkko/stocksync/internal/transition"
)

// ToStorageFactoryConfig converts to storage factory config
func (c *Config) ToStorageFactoryConfig() storage.FactoryConfig {
	storageType := storage.BadgerStorage
	if c.Storage.StorageType == "memory" {
		storageType = storage.MemoryStorage
	}

	return storage.FactoryConfig{
		Type: storageType,
		Config: storage.Config{
			DataDir:         c.Storage.DataDir,
			SnapshotTTL:     time.Duration(c.Storage.SnapshotTTLMinutes) * time.Minute,
			GCInterval:      time.Duration(c.Storage.GCIntervalMinutes) * time.Minute,
			CacheEnabled:    c.Storage.CacheEnabled,
			CacheSize:       c.Storage.CacheSize,
			CacheExpiration: time.Duration(c.Storage.CacheExpirationSeconds) * time.Second,
		},
	}
}

// ToHubConfig converts to in-process hub config
func (c *Config) ToHubConfig() realtime.HubConfig {
	return realtime.HubConfig{
		MaxBufferSize: c.Realtime.MaxBufferSize,
	}
}

// ToWebSocketConfig converts to realtime client config
func (c *Config) ToWebSocketConfig() realtime.WebSocketConfig {
	return realtime.WebSocketConfig{
		URL:               c.Realtime.URL,
		APIKey:            c.Realtime.APIKey,
		Schema:            c.Realtime.Schema,
		HeartbeatInterval: time.Duration(c.Realtime.HeartbeatInterval) * time.Second,
		HandshakeTimeout:  time.Duration(c.Realtime.HandshakeTimeout) * time.Second,
		MaxBufferSize:     c.Realtime.MaxBufferSize,
	}
}

// ToRESTOptions converts to REST backend options
func (c *Config) ToRESTOptions() []remote.RESTOption {
	options := []remote.RESTOption{
		remote.WithTimeout(time.Duration(c.Remote.TimeoutSeconds) * time.Second),
		remote.WithLimit(c.Remote.Limit),
	}
	if c.Remote.APIKey != "" {
		options = append(options, remote.WithAPIKey(c.Remote.APIKey))
	}
	return options
}

// RemoteCacheTTL is how long fetched order lists stay fresh
func (c *Config) RemoteCacheTTL() time.Duration {
	return time.Duration(c.Remote.CacheTTLSeconds) * time.Second
}

// PreferencesCacheTTL is how long loaded preferences stay fresh
func (c *Config) PreferencesCacheTTL() time.Duration {
	return time.Duration(c.Preferences.CacheTTLSeconds) * time.Second
}

// ToQueryCacheConfig converts to query cache config
func (c *Config) ToQueryCacheConfig() querycache.Config {
	return querycache.Config{
		Capacity:   c.Cache.Capacity,
		DefaultTTL: time.Duration(c.Cache.DefaultTTLSeconds) * time.Second,
	}
}

// ToCoalescerConfig converts to coalescer config
func (c *Config) ToCoalescerConfig() coalescer.Config {
	return coalescer.Config{
		Window:         time.Duration(c.Coalescer.WindowMs) * time.Millisecond,
		RefreshTimeout: time.Duration(c.Coalescer.RefreshTimeoutSeconds) * time.Second,
	}
}

// ToDetectorConfig converts to transition detector config
func (c *Config) ToDetectorConfig() transition.Config {
	return transition.Config{
		MemorySize: c.Transition.MemorySize,
	}
}

// ToDispatcherConfig converts to dispatcher config
func (c *Config) ToDispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		LedgerSize:            c.Dispatcher.LedgerSize,
		DeferDuringQuietHours: c.Dispatcher.DeferDuringQuietHours,
	}
}

// QuietHoursLocation resolves the timezone quiet hours are evaluated in
func (c *Config) QuietHoursLocation() (*time.Location, error) {
	if c.Dispatcher.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Dispatcher.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid dispatcher timezone %q: %w", c.Dispatcher.Timezone, err)
	}
	return loc, nil
}

// ToNotifierConfig converts to notifier config
func (c *Config) ToNotifierConfig() notifier.Config {
	return notifier.Config{
		MaxIdleTime:            time.Duration(c.Notifier.MaxIdleTime) * time.Second,
		HeartbeatInterval:      time.Duration(c.Notifier.HeartbeatInterval) * time.Second,
		BroadcastBufferSize:    c.Notifier.BroadcastBufferSize,
		BroadcastFlushInterval: time.Duration(c.Notifier.BroadcastFlushIntervalMs) * time.Millisecond,
		ClientBufferSize:       c.Notifier.ClientBufferSize,
		HistorySize:            c.Notifier.HistorySize,
	}
}

// ToSubscriptionConfig converts to subscription manager config
func (c *Config) ToSubscriptionConfig() subscription.Config {
	return subscription.Config{
		Coalescer:          c.ToCoalescerConfig(),
		Detector:           c.ToDetectorConfig(),
		ReconnectInitial:   time.Duration(c.Subscription.ReconnectInitialMs) * time.Millisecond,
		ReconnectMax:       time.Duration(c.Subscription.ReconnectMaxSeconds) * time.Second,
		PreferencesTimeout: time.Duration(c.Subscription.PreferencesTimeoutSeconds) * time.Second,
	}
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:              c.Server.Addr,
		ReadTimeout:       time.Duration(c.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(c.Server.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(c.Server.IdleTimeout) * time.Second,
		ForegroundTimeout: time.Duration(c.Server.ForegroundTimeout) * time.Second,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var level logging.LogLevel
	switch c.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		level = logging.LevelInfo
	}

	format := logging.FormatJSON
	if c.Logging.Format == "console" {
		format = logging.FormatConsole
	}

	config := logging.DefaultConfig()
	config.Level = level
	config.Format = format
	config.IncludeCaller = c.Logging.IncludeCaller
	config.GlobalFields = c.Logging.GlobalFields
	return config
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    c.Telemetry.ServiceName,
		Endpoint:       c.Telemetry.Endpoint,
		SamplingRatio:  c.Telemetry.SamplingRatio,
		Timeout:        5 * time.Second,
		RealtimeSource: c.Realtime.Source,
		RemoteBackend:  c.Remote.Backend,
		Attributes:     c.Telemetry.Attributes,
	}
}
