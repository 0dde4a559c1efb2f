package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nkkko/stocksync/internal/api"
	"github.com/nkkko/stocksync/internal/config"
	"github.com/nkkko/stocksync/internal/dispatcher"
	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/nkkko/stocksync/internal/notifier"
	"github.com/nkkko/stocksync/internal/preferences"
	"github.com/nkkko/stocksync/internal/querycache"
	"github.com/nkkko/stocksync/internal/quiethours"
	"github.com/nkkko/stocksync/internal/realtime"
	"github.com/nkkko/stocksync/internal/remote"
	"github.com/nkkko/stocksync/internal/storage"
	"github.com/nkkko/stocksync/internal/subscription"
	"github.com/nkkko/stocksync/internal/telemetry"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Options control what the engine does once it is running
type Options struct {
	// Viewer to start a session for at startup; empty waits for POST /session
	ViewerID string
	Role     proto.Role

	// Build version reported on traces
	Version string
}

// Engine is the main coordinator of all stocksync components
type Engine struct {
	config      *config.Config
	options     Options
	storage     storage.SnapshotStore
	hub         *realtime.Hub
	cache       *querycache.Cache
	notifier    *notifier.Notifier
	dispatcher  *dispatcher.Dispatcher
	sessions    *subscription.Manager
	api         *api.API
	closers     []io.Closer
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	telemetryFn func(context.Context) error
}

// CreateEngine creates a new Engine with all components initialized from the config
func CreateEngine(cfg *config.Config, options Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config:  cfg,
		options: options,
		logger:  log.With().Str("component", "engine").Logger(),
		metrics: metrics.GetMetrics(),
	}

	if err := e.build(); err != nil {
		e.closeAll()
		if e.storage != nil {
			_ = e.storage.Shutdown(context.Background())
		}
		return nil, err
	}
	return e, nil
}

func (e *Engine) build() error {
	cfg := e.config

	if cfg.Storage.StorageType != "memory" {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	snapshots, err := storage.CreateStorage(cfg.ToStorageFactoryConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize snapshot storage: %w", err)
	}
	e.storage = snapshots

	var source realtime.Source
	switch cfg.Realtime.Source {
	case "websocket":
		source = realtime.NewWebSocketSource(cfg.ToWebSocketConfig())
	default:
		e.hub = realtime.NewHub(cfg.ToHubConfig())
		source = e.hub
	}

	e.cache, err = querycache.New(cfg.ToQueryCacheConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize query cache: %w", err)
	}

	backend, err := e.createBackend()
	if err != nil {
		return err
	}
	fetcher := remote.NewFetcher(backend, e.cache, cfg.RemoteCacheTTL())

	prefs, err := e.createPreferences()
	if err != nil {
		return err
	}

	loc, err := cfg.QuietHoursLocation()
	if err != nil {
		return err
	}

	e.notifier = notifier.NewNotifier(cfg.ToNotifierConfig())

	sink := dispatcher.MultiSink{
		e.notifier,
		dispatcher.LogSink{Logger: log.With().Str("component", "notifications").Logger()},
	}
	e.dispatcher, err = dispatcher.NewDispatcher(cfg.ToDispatcherConfig(), sink, quiethours.NewEvaluator(loc))
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	e.sessions, err = subscription.NewManager(cfg.ToSubscriptionConfig(), subscription.Dependencies{
		Source:      source,
		Fetcher:     fetcher,
		Cache:       e.cache,
		Preferences: prefs,
		Dispatcher:  e.dispatcher,
		Snapshots:   e.storage,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize subscription manager: %w", err)
	}

	apiDeps := api.Dependencies{
		Sessions:  e.sessions,
		Cache:     e.cache,
		Notifier:  e.notifier,
		Snapshots: e.storage,
	}
	if e.hub != nil {
		apiDeps.Events = e.hub
	}
	e.api = api.NewAPI(cfg.ToAPIConfig(), apiDeps)

	return nil
}

// createBackend builds the order list backend named by the config
func (e *Engine) createBackend() (remote.Backend, error) {
	cfg := e.config

	switch cfg.Remote.Backend {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Remote.TimeoutSeconds)*time.Second)
		defer cancel()

		db, err := remote.OpenPostgres(ctx, cfg.Remote.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		backend := remote.NewPostgresBackend(db, cfg.Remote.Limit)
		e.closers = append(e.closers, backend)
		return backend, nil

	default:
		return remote.NewRESTBackend(cfg.Remote.URL, cfg.ToRESTOptions()...), nil
	}
}

// createPreferences builds the preference store named by the config, cached
// in its own query cache so session teardown does not evict it
func (e *Engine) createPreferences() (preferences.Store, error) {
	cfg := e.config

	var store preferences.Store
	switch cfg.Preferences.Store {
	case "redis":
		redisStore, err := preferences.NewRedisStore(cfg.Preferences.RedisURL, cfg.Preferences.Defaults)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		e.closers = append(e.closers, redisStore)
		store = redisStore
	default:
		store = preferences.NewStaticStore(cfg.Preferences.Defaults)
	}

	cache, err := querycache.New(querycache.Config{
		Capacity:   cfg.Cache.Capacity,
		DefaultTTL: cfg.PreferencesCacheTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize preferences cache: %w", err)
	}
	return preferences.NewCachedStore(store, cache, cfg.PreferencesCacheTTL()), nil
}

// API returns the control API
func (e *Engine) API() *api.API {
	return e.api
}

// Sessions returns the subscription manager
func (e *Engine) Sessions() *subscription.Manager {
	return e.sessions
}

// Hub returns the in-process event hub, or nil when events come from a realtime server
func (e *Engine) Hub() *realtime.Hub {
	return e.hub
}

// Start runs every component until ctx is cancelled or one of them fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().
		Str("addr", e.config.Server.Addr).
		Str("realtime", e.config.Realtime.Source).
		Str("backend", e.config.Remote.Backend).
		Msg("Starting stocksync engine")

	telCfg := e.config.ToTelemetryConfig()
	telCfg.ServiceVersion = e.options.Version
	telCfg.ViewerID = e.options.ViewerID
	telCfg.Role = string(e.options.Role)

	telShutdown, err := telemetry.Setup(ctx, telCfg)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.storage.Start(ctx)
	})

	g.Go(func() error {
		return e.notifier.Start(ctx)
	})

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if e.options.ViewerID != "" {
		g.Go(func() error {
			handle, err := e.sessions.Start(ctx, e.options.ViewerID, e.options.Role)
			if errors.Is(err, subscription.ErrStartAborted) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}
			e.logger.Info().
				Str("handle_id", handle.ID).
				Str("viewer_id", handle.ViewerID).
				Str("role", string(handle.Role)).
				Msg("Session started")
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Stocksync engine stopped")
	return nil
}

// Shutdown stops every component, the API first and storage last
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down stocksync engine")

	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
	}

	e.sessions.StopAll()

	if e.hub != nil {
		if err := e.hub.Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down hub")
		}
	}

	if err := e.notifier.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down notifier")
	}

	e.closeAll()

	var shutdownErr error
	if err := e.storage.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down storage")
		shutdownErr = err
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	return shutdownErr
}

// closeAll releases backend connections; storage is closed separately
func (e *Engine) closeAll() {
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close connection")
		}
	}
	e.closers = nil
}
