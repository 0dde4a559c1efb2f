package api

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/nkkko/stocksync/internal/api/errors"
	"github.com/nkkko/stocksync/internal/api/response"
	"github.com/nkkko/stocksync/internal/api/validation"
	"github.com/nkkko/stocksync/internal/logging"
	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/nkkko/stocksync/internal/notifier"
	"github.com/nkkko/stocksync/internal/querycache"
	"github.com/nkkko/stocksync/internal/storage"
	"github.com/nkkko/stocksync/internal/subscription"
	"github.com/nkkko/stocksync/internal/telemetry"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Upper bound on a forced foreground refresh
	ForegroundTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ForegroundTimeout: 20 * time.Second,
	}
}

// EventPublisher accepts injected change events
type EventPublisher interface {
	Publish(event *proto.ChangeEvent) int
}

// Dependencies are the components the API exposes
type Dependencies struct {
	Sessions  *subscription.Manager
	Cache     *querycache.Cache
	Notifier  *notifier.Notifier
	Snapshots storage.SnapshotStore

	// Events is set only when the change-event source is in-process
	Events EventPublisher
}

// API is the local control surface for the UI shell
type API struct {
	config Config
	deps   Dependencies
	app    *fiber.App
	logger zerolog.Logger
}

// NewAPI creates a new API instance with its routes registered
func NewAPI(config Config, deps Dependencies) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.ForegroundTimeout == 0 {
		config.ForegroundTimeout = defaults.ForegroundTimeout
	}

	a := &API{
		config: config,
		deps:   deps,
		logger: log.With().Str("component", "api").Logger(),
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		BodyLimit:             1024 * 1024,
		DisableStartupMessage: true,
		ErrorHandler:          a.handleError,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(telemetry.FiberMiddleware("stocksync-api"))
	app.Use(logging.FiberMiddleware())
	app.Use(a.metricsMiddleware())
	app.Use(cors.New())

	a.registerRoutes(app)
	a.app = app

	return a
}

// App returns the underlying fiber app
func (a *API) App() *fiber.App {
	return a.app
}

// Start serves the API until ctx is cancelled
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.app.Listen(a.config.Addr)
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// metricsMiddleware records request counts and latency by route
func (a *API) metricsMiddleware() fiber.Handler {
	m := metrics.GetMetrics()

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := c.Path()
		if route := c.Route(); route != nil && route.Path != "" {
			path = route.Path
		}

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}

		m.APIRequestsTotal.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
		m.APIRequestDuration.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())
		return err
	}
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	app.Get("/readyz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	app.Post("/session", a.handleStartSession)
	app.Delete("/session", a.handleStopSession)

	app.Post("/lifecycle/foreground", a.handleForeground)
	app.Post("/lifecycle/background", a.handleBackground)

	app.Post("/cache/invalidate", a.handleInvalidateCache)

	app.Get("/status", a.handleStatus)
	app.Get("/orders", a.handleOrders)
	app.Get("/orders/snapshot", a.handleSnapshot)

	if a.deps.Events != nil {
		app.Post("/events", a.handlePublishEvent)
	}

	if a.deps.Notifier != nil {
		a.deps.Notifier.RegisterHistoryHandler(app)
		a.deps.Notifier.RegisterWebSocketHandler(app)
		a.deps.Notifier.RegisterSSEHandler(app)
	}
}

// handleError renders errors returned by handlers and fiber itself
func (a *API) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if stderrors.As(err, &fe) {
		apiErr := &errors.APIError{
			Type:     errors.ErrorTypeInternal,
			Code:     "http_error",
			Message:  fe.Message,
			HTTPCode: fe.Code,
		}
		switch {
		case fe.Code == fiber.StatusNotFound:
			apiErr.Type = errors.ErrorTypeNotFound
		case fe.Code < 500:
			apiErr.Type = errors.ErrorTypeValidation
		}
		return response.Error(c, apiErr)
	}
	return response.Error(c, err)
}

// translate maps domain errors onto the API error taxonomy
func translate(err error) error {
	switch {
	case stderrors.Is(err, subscription.ErrInvalidViewer),
		stderrors.Is(err, subscription.ErrInvalidRole):
		return errors.ValidationError("invalid_session", err.Error())
	case stderrors.Is(err, subscription.ErrNotStarted):
		return errors.ConflictError("no_active_session", "No session is active")
	case stderrors.Is(err, subscription.ErrStartAborted):
		return errors.ConflictError("session_aborted", err.Error())
	case stderrors.Is(err, storage.ErrNotFound):
		return errors.NotFoundError("snapshot_not_found", "No refreshed order list is stored yet")
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.TimeoutError("timeout", err.Error())
	}
	return err
}

func (a *API) handleStartSession(c *fiber.Ctx) error {
	var req StartSessionRequest
	if err := validation.ParseAndValidate(c, &req); err != nil {
		return response.Error(c, err)
	}

	handle, err := a.deps.Sessions.Start(c.UserContext(), req.ViewerID, req.Role)
	if err != nil {
		a.logger.Error().Err(err).Str("viewer_id", req.ViewerID).Msg("Failed to start session")
		translated := translate(err)
		if translated == err {
			translated = errors.UnavailableError("channel_unavailable", err.Error())
		}
		return response.Error(c, translated)
	}

	status := a.deps.Sessions.Status()
	return response.JSON(c, fiber.StatusCreated, SessionResponse{
		HandleID:  handle.ID,
		ViewerID:  handle.ViewerID,
		Role:      handle.Role,
		Channel:   status.Channel,
		StartedAt: handle.StartedAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleStopSession(c *fiber.Ctx) error {
	handle := a.deps.Sessions.Current()
	if handle == nil {
		return response.JSON(c, fiber.StatusOK, fiber.Map{"stopped": false})
	}

	a.deps.Sessions.Stop(handle)

	data := fiber.Map{"stopped": true, "viewer_id": handle.ViewerID}

	if c.QueryBool("purge") {
		if a.deps.Snapshots != nil {
			removed, err := a.deps.Snapshots.DeleteSnapshots(c.UserContext(), handle.ViewerID)
			if err != nil {
				a.logger.Error().Err(err).Str("viewer_id", handle.ViewerID).Msg("Failed to purge snapshots")
				return response.Error(c, errors.InternalError("purge_failed", "Failed to purge snapshots"))
			}
			data["snapshots_removed"] = removed
		}
		if a.deps.Notifier != nil {
			a.deps.Notifier.ClearHistory(handle.ViewerID)
		}
	}

	return response.JSON(c, fiber.StatusOK, data)
}

func (a *API) handleForeground(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), a.config.ForegroundTimeout)
	defer cancel()

	if err := a.deps.Sessions.Foreground(ctx); err != nil {
		return response.Error(c, translate(err))
	}

	status := a.deps.Sessions.Status()
	return response.JSON(c, fiber.StatusOK, fiber.Map{
		"foreground": true,
		"refreshed":  status.Active,
	})
}

func (a *API) handleBackground(c *fiber.Ctx) error {
	a.deps.Sessions.Background()
	return response.JSON(c, fiber.StatusOK, fiber.Map{"foreground": false})
}

func (a *API) handleInvalidateCache(c *fiber.Ctx) error {
	var req InvalidateCacheRequest
	if err := validation.ParseAndValidate(c, &req); err != nil {
		return response.Error(c, err)
	}

	if req.Key != "" {
		a.deps.Cache.Invalidate(req.Key)
		return response.JSON(c, fiber.StatusOK, fiber.Map{"key": req.Key})
	}

	removed := a.deps.Cache.InvalidateByPrefix(req.Prefix)
	return response.JSON(c, fiber.StatusOK, fiber.Map{
		"prefix":  req.Prefix,
		"removed": removed,
	})
}

func (a *API) handleStatus(c *fiber.Ctx) error {
	status := a.deps.Sessions.Status()

	meta := fiber.Map{"cache_entries": a.deps.Cache.Len()}
	if a.deps.Notifier != nil {
		meta["stream_clients"] = a.deps.Notifier.ClientCount()
	}

	return response.WithMeta(c, fiber.StatusOK, status, meta)
}

func (a *API) handleOrders(c *fiber.Ctx) error {
	orders, err := a.deps.Sessions.Orders(c.UserContext())
	if err != nil {
		translated := translate(err)
		if translated == err {
			a.logger.Warn().Err(err).Msg("Failed to fetch orders")
			translated = errors.UnavailableError("fetch_failed", err.Error())
		}
		return response.Error(c, translated)
	}

	return response.WithMeta(c, fiber.StatusOK, orders, fiber.Map{"count": len(orders)})
}

func (a *API) handleSnapshot(c *fiber.Ctx) error {
	snapshot, err := a.deps.Sessions.Snapshot(c.UserContext())
	if err != nil {
		return response.Error(c, translate(err))
	}
	return response.JSON(c, fiber.StatusOK, snapshot)
}

func (a *API) handlePublishEvent(c *fiber.Ctx) error {
	var req PublishEventRequest
	if err := validation.ParseAndValidate(c, &req); err != nil {
		return response.Error(c, err)
	}

	event := req.ChangeEvent
	queued := a.deps.Events.Publish(&event)

	return response.JSON(c, fiber.StatusAccepted, fiber.Map{"channels": queued})
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	return a.app.ShutdownWithContext(ctx)
}
