// Package subscription owns the per-viewer change-event session: one channel,
// its router, coalescer and transition detector, for as long as the viewer is signed in.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/stocksync/internal/coalescer"
	"github.com/nkkko/stocksync/internal/dispatcher"
	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/nkkko/stocksync/internal/preferences"
	"github.com/nkkko/stocksync/internal/querycache"
	"github.com/nkkko/stocksync/internal/realtime"
	"github.com/nkkko/stocksync/internal/remote"
	"github.com/nkkko/stocksync/internal/router"
	"github.com/nkkko/stocksync/internal/storage"
	"github.com/nkkko/stocksync/internal/telemetry"
	"github.com/nkkko/stocksync/internal/transition"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var (
	// ErrInvalidViewer is returned when Start is called without a viewer id
	ErrInvalidViewer = errors.New("viewer id is required")

	// ErrInvalidRole is returned when Start is called with an unknown role
	ErrInvalidRole = errors.New("role must be manager or employee")

	// ErrNotStarted is returned by reads that need an active session
	ErrNotStarted = errors.New("no active session")

	// ErrStartAborted is returned when a stop lands while the channel is still opening
	ErrStartAborted = errors.New("session stopped while starting")
)

// Config contains subscription configuration
type Config struct {
	Coalescer coalescer.Config
	Detector  transition.Config

	// Backoff bounds for reopening a channel that closed unexpectedly
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Upper bound on a preferences lookup before a dispatch is skipped
	PreferencesTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Coalescer:          coalescer.DefaultConfig(),
		Detector:           transition.DefaultConfig(),
		ReconnectInitial:   500 * time.Millisecond,
		ReconnectMax:       30 * time.Second,
		PreferencesTimeout: 5 * time.Second,
	}
}

// Dependencies are the collaborators a Manager wires into each session
type Dependencies struct {
	Source      realtime.Source
	Fetcher     *remote.Fetcher
	Cache       *querycache.Cache
	Preferences preferences.Store
	Dispatcher  *dispatcher.Dispatcher

	// Snapshots is optional; refreshed lists are only cached when nil
	Snapshots storage.SnapshotStore
}

// Handle identifies one started session
type Handle struct {
	ID        string
	ViewerID  string
	Role      proto.Role
	StartedAt time.Time

	session *session
}

// Status describes the manager's current state
type Status struct {
	Active          bool       `json:"active"`
	HandleID        string     `json:"handle_id,omitempty"`
	ViewerID        string     `json:"viewer_id,omitempty"`
	Role            proto.Role `json:"role,omitempty"`
	Audience        string     `json:"audience,omitempty"`
	Channel         string     `json:"channel,omitempty"`
	Connected       bool       `json:"connected"`
	Foreground      bool       `json:"foreground"`
	StartedAt       time.Time  `json:"started_at,omitempty"`
	EventsReceived  int64      `json:"events_received"`
	EventsRouted    int64      `json:"events_routed"`
	Transitions     int64      `json:"transitions"`
	Notifications   int64      `json:"notifications"`
	Reconnects      int64      `json:"reconnects"`
	TrackedOrders   int        `json:"tracked_orders"`
	RefreshPending  bool       `json:"refresh_pending"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
}

// Manager runs at most one session, for the signed-in viewer
type Manager struct {
	config Config
	deps   Dependencies
	router *router.Router

	current    *Handle
	starting   *pendingStart
	foreground bool
	mu         sync.Mutex

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// pendingStart is a Start whose channel is being opened outside the lock
type pendingStart struct {
	viewerID string
	role     proto.Role
	aborted  bool
	done     chan struct{}

	handle *Handle
	err    error
}

// Variable for generating handle IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}

// NewManager creates a subscription manager
func NewManager(config Config, deps Dependencies) (*Manager, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("change-event source is required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Preferences == nil {
		return nil, fmt.Errorf("preferences store is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	defaults := DefaultConfig()
	if config.ReconnectInitial <= 0 {
		config.ReconnectInitial = defaults.ReconnectInitial
	}
	if config.ReconnectMax < config.ReconnectInitial {
		config.ReconnectMax = defaults.ReconnectMax
	}
	if config.PreferencesTimeout <= 0 {
		config.PreferencesTimeout = defaults.PreferencesTimeout
	}

	return &Manager{
		config:     config,
		deps:       deps,
		router:     router.NewRouter(),
		foreground: true,
		metrics:    metrics.GetMetrics(),
		logger:     log.With().Str("component", "subscription").Logger(),
	}, nil
}

// Start opens the session for a viewer. Starting the viewer that is already
// active returns the existing handle; starting anyone else stops the old session first.
// The channel is opened without holding the manager lock, so reads stay responsive.
func (m *Manager) Start(ctx context.Context, viewerID string, role proto.Role) (*Handle, error) {
	if viewerID == "" {
		return nil, ErrInvalidViewer
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}

	m.mu.Lock()
	for m.starting != nil {
		p := m.starting
		m.mu.Unlock()

		select {
		case <-p.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if p.viewerID == viewerID && p.role == role {
			return p.handle, p.err
		}

		m.mu.Lock()
	}

	if m.current != nil {
		if m.current.ViewerID == viewerID && m.current.Role == role {
			handle := m.current
			m.mu.Unlock()
			return handle, nil
		}
		m.logger.Info().
			Str("previous_viewer", m.current.ViewerID).
			Str("viewer_id", viewerID).
			Msg("Switching viewer, stopping previous session")
		m.stopLocked(m.current)
	}

	p := &pendingStart{viewerID: viewerID, role: role, done: make(chan struct{})}
	m.starting = p
	m.mu.Unlock()

	s, err := newSession(ctx, m, viewerID, role)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(p.done)
	m.starting = nil

	if err != nil {
		p.err = err
		return nil, err
	}
	if p.aborted {
		s.discard()
		p.err = ErrStartAborted
		m.logger.Info().Str("viewer_id", viewerID).Msg("Session stopped while starting, discarding channel")
		return nil, p.err
	}

	handle := &Handle{
		ID:        generateID(),
		ViewerID:  viewerID,
		Role:      role,
		StartedAt: time.Now(),
		session:   s,
	}
	m.current = handle
	p.handle = handle
	m.metrics.SubscriptionsActive.Inc()

	s.start()

	m.logger.Info().
		Str("handle_id", handle.ID).
		Str("viewer_id", viewerID).
		Str("role", string(role)).
		Str("channel", s.name).
		Msg("Session started")

	return handle, nil
}

// Stop tears down the session behind handle. A nil, stale or already
// stopped handle is a no-op.
func (m *Manager) Stop(handle *Handle) {
	if handle == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != handle {
		return
	}
	m.stopLocked(handle)
}

// StopAll stops the active session, if any, and aborts a start in progress
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.starting != nil {
		m.starting.aborted = true
	}
	if m.current != nil {
		m.stopLocked(m.current)
	}
}

func (m *Manager) stopLocked(handle *Handle) {
	handle.session.stop()
	m.current = nil
	m.metrics.SubscriptionsActive.Dec()

	// Cached lists belong to the viewer that is leaving
	if m.deps.Cache != nil {
		m.deps.Cache.Clear()
	}

	m.logger.Info().
		Str("handle_id", handle.ID).
		Str("viewer_id", handle.ViewerID).
		Msg("Session stopped")
}

// Current returns the active handle, or nil
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Foreground marks the app as foregrounded and forces one refresh of the
// active session's list, bypassing the debounce window
func (m *Manager) Foreground(ctx context.Context) error {
	m.mu.Lock()
	m.foreground = true
	handle := m.current
	m.mu.Unlock()

	if handle == nil {
		m.logger.Debug().Msg("Foreground without an active session")
		return nil
	}

	m.logger.Info().Str("viewer_id", handle.ViewerID).Msg("Foregrounded, forcing resync")

	done := make(chan struct{})
	go func() {
		defer close(done)
		handle.session.coalescer.Flush(handle.session.audience)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Background records that the app left the foreground
func (m *Manager) Background() {
	m.mu.Lock()
	m.foreground = false
	m.mu.Unlock()

	m.logger.Debug().Msg("Backgrounded")
}

// Status returns a snapshot of the manager state
func (m *Manager) Status() Status {
	m.mu.Lock()
	handle := m.current
	status := Status{Foreground: m.foreground}
	m.mu.Unlock()

	if handle == nil {
		return status
	}

	s := handle.session
	status.Active = true
	status.HandleID = handle.ID
	status.ViewerID = handle.ViewerID
	status.Role = handle.Role
	status.Audience = string(s.audience)
	status.Channel = s.name
	status.StartedAt = handle.StartedAt
	status.Connected = s.connected.Load()
	status.EventsReceived = s.received.Load()
	status.EventsRouted = s.routed.Load()
	status.Transitions = s.transitions.Load()
	status.Notifications = s.notified.Load()
	status.Reconnects = s.reconnects.Load()
	status.TrackedOrders = s.detector.Len()
	status.RefreshPending = s.coalescer.Pending(s.audience)
	if ts := s.lastRefresh.Load(); ts != nil {
		t := ts.(time.Time)
		status.LastRefreshedAt = &t
	}
	return status
}

// Orders returns the active viewer's current order list through the query cache
func (m *Manager) Orders(ctx context.Context) ([]*proto.Order, error) {
	handle := m.Current()
	if handle == nil {
		return nil, ErrNotStarted
	}
	return m.deps.Fetcher.Orders(ctx, handle.session.audience, handle.ViewerID)
}

// Snapshot returns the last stored refresh for the active viewer
func (m *Manager) Snapshot(ctx context.Context) (*proto.OrderSnapshot, error) {
	handle := m.Current()
	if handle == nil {
		return nil, ErrNotStarted
	}
	if m.deps.Snapshots == nil {
		return nil, storage.ErrNotFound
	}
	return m.deps.Snapshots.GetSnapshot(ctx, handle.session.audience, handle.ViewerID)
}

// refresh re-reads the audience list and stores the result
func (m *Manager) refresh(ctx context.Context, audience proto.Audience, viewerID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "subscription.refresh",
		attribute.String("audience", string(audience)),
		attribute.String("viewer_id", viewerID),
	)
	defer func() {
		telemetry.MarkSpanError(ctx, err)
		span.End()
	}()

	orders, err := m.deps.Fetcher.Refresh(ctx, audience, viewerID)
	if err != nil {
		return err
	}
	telemetry.AddSpanEvent(ctx, "fetched", attribute.Int("orders", len(orders)))

	// A stopped session must not write a snapshot after its purge
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.deps.Snapshots != nil {
		snapshot := &proto.OrderSnapshot{
			Audience:  audience,
			ViewerId:  viewerID,
			Orders:    orders,
			FetchedAt: timestamppb.Now(),
		}
		if err := m.deps.Snapshots.SaveSnapshot(ctx, snapshot); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
	}

	return nil
}
