package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Hub implements Source
var _ Source = (*Hub)(nil)

// HubConfig contains hub configuration
type HubConfig struct {
	// Buffer size of each channel's event queue
	MaxBufferSize int
}

// DefaultHubConfig returns a default hub configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		MaxBufferSize: 256,
	}
}

// hubChannel is one open channel on the hub
type hubChannel struct {
	id     string
	name   string
	tables map[proto.EntityTable]struct{}
	events chan *proto.ChangeEvent
	hub    *Hub
	once   sync.Once
}

func (c *hubChannel) Name() string { return c.name }
func (c *hubChannel) Events() <-chan *proto.ChangeEvent { return c.events }

// Close removes the channel from the hub. Calling it twice is safe.
func (c *hubChannel) Close() error {
	c.once.Do(func() {
		c.hub.remove(c.id)
	})
	return nil
}

// Hub is an in-process change-event source that fans published events out
// to every open channel watching the event's table
type Hub struct {
	config    HubConfig
	channels  map[string]*hubChannel
	tableSubs map[proto.EntityTable]map[string]struct{} // table -> set of channel IDs
	closed    bool
	mu        sync.RWMutex
	logger    zerolog.Logger
}

// NewHub creates a new in-process hub
func NewHub(config ...HubConfig) *Hub {
	cfg := DefaultHubConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultHubConfig().MaxBufferSize
	}

	return &Hub{
		config:    cfg,
		channels:  make(map[string]*hubChannel),
		tableSubs: make(map[proto.EntityTable]map[string]struct{}),
		logger:    log.With().Str("component", "realtime-hub").Logger(),
	}
}

// Open registers a channel for the given tables
func (h *Hub) Open(ctx context.Context, name string, tables []proto.EntityTable) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := &hubChannel{
		id:     generateID(),
		name:   name,
		tables: make(map[proto.EntityTable]struct{}, len(tables)),
		events: make(chan *proto.ChangeEvent, h.config.MaxBufferSize),
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	h.channels[ch.id] = ch
	for _, table := range tables {
		ch.tables[table] = struct{}{}
		if _, ok := h.tableSubs[table]; !ok {
			h.tableSubs[table] = make(map[string]struct{})
		}
		h.tableSubs[table][ch.id] = struct{}{}
	}

	h.logger.Debug().Str("channel", name).Str("channel_id", ch.id).Msg("Channel opened")
	return ch, nil
}

// Publish distributes an event to all channels watching its table.
// It returns the number of channels the event was queued on.
func (h *Hub) Publish(event *proto.ChangeEvent) int {
	if event == nil {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for id := range h.tableSubs[event.Table] {
		ch, ok := h.channels[id]
		if !ok {
			continue
		}

		// Try to send without blocking
		select {
		case ch.events <- event:
			delivered++
		default:
			h.logger.Warn().
				Str("channel", ch.name).
				Str("table", string(event.Table)).
				Str("entity_id", event.EntityID()).
				Msg("Channel buffer full, dropping event")
		}
	}
	return delivered
}

// Start publishes events from the provided stream until it closes or ctx ends
func (h *Hub) Start(ctx context.Context, events <-chan *proto.ChangeEvent) error {
	h.logger.Info().Msg("Starting realtime hub")

	for {
		select {
		case event, ok := <-events:
			if !ok {
				h.logger.Info().Msg("Event stream closed, stopping hub")
				return nil
			}
			h.Publish(event)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of open channels
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[id]
	if !ok {
		return
	}

	for table := range ch.tables {
		if subs, ok := h.tableSubs[table]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.tableSubs, table)
			}
		}
	}

	close(ch.events)
	delete(h.channels, id)
	h.logger.Debug().Str("channel", ch.name).Str("channel_id", id).Msg("Channel closed")
}

// Shutdown closes every open channel and rejects further opens
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info().Msg("Shutting down realtime hub")

	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.channels {
		close(ch.events)
		delete(h.channels, id)
	}
	h.tableSubs = make(map[proto.EntityTable]map[string]struct{})

	return nil
}

// Variable for generating unique channel IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
