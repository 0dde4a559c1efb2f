package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Ensure WebSocketSource implements Source
var _ Source = (*WebSocketSource)(nil)

// Phoenix channel events used by the realtime protocol
const (
	eventJoin            = "phx_join"
	eventLeave           = "phx_leave"
	eventReply           = "phx_reply"
	eventError           = "phx_error"
	eventClose           = "phx_close"
	eventHeartbeat       = "heartbeat"
	eventPostgresChanges = "postgres_changes"
)

// WebSocketConfig contains realtime WebSocket client configuration
type WebSocketConfig struct {
	// Realtime endpoint, e.g. wss://project.example.co/realtime/v1/websocket
	URL string

	// API key sent as the apikey query parameter and join access token
	APIKey string

	// Database schema holding the watched tables
	Schema string

	// Interval between heartbeats
	HeartbeatInterval time.Duration

	// Timeout for the dial and join handshake
	HandshakeTimeout time.Duration

	// Buffer size of the event queue
	MaxBufferSize int
}

// DefaultWebSocketConfig returns a default configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Schema:            "public",
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		MaxBufferSize:     256,
	}
}

// WebSocketSource opens Phoenix-protocol realtime channels over WebSocket
type WebSocketSource struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewWebSocketSource creates a new realtime WebSocket source
func NewWebSocketSource(config WebSocketConfig) *WebSocketSource {
	defaults := DefaultWebSocketConfig()
	if config.Schema == "" {
		config.Schema = defaults.Schema
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.MaxBufferSize <= 0 {
		config.MaxBufferSize = defaults.MaxBufferSize
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout

	return &WebSocketSource{
		config: config,
		dialer: &dialer,
		logger: log.With().Str("component", "realtime-ws").Logger(),
	}
}

// phoenixMessage is the envelope of every realtime frame
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type postgresChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []postgresChangeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Table           string        `json:"table"`
		Type            string        `json:"type"`
		Record          *proto.Record `json:"record"`
		OldRecord       *proto.Record `json:"old_record"`
		CommitTimestamp string        `json:"commit_timestamp"`
	} `json:"data"`
}

// Open dials the realtime endpoint and joins the channel
func (s *WebSocketSource) Open(ctx context.Context, name string, tables []proto.EntityTable) (Channel, error) {
	u, err := url.Parse(s.config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}

	// Convert to WebSocket scheme
	if u.Scheme == "http" {
		u.Scheme = "ws"
	} else if u.Scheme == "https" {
		u.Scheme = "wss"
	}

	q := u.Query()
	if s.config.APIKey != "" {
		q.Set("apikey", s.config.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	conn, _, err := s.dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime endpoint: %w", err)
	}

	ch := &wsChannel{
		name:   name,
		topic:  "realtime:" + name,
		conn:   conn,
		events: make(chan *proto.ChangeEvent, s.config.MaxBufferSize),
		done:   make(chan struct{}),
		logger: s.logger.With().Str("channel", name).Logger(),
	}

	if err := ch.join(s.config, tables); err != nil {
		conn.Close()
		return nil, err
	}

	go ch.receiveEvents()
	go ch.heartbeat(s.config.HeartbeatInterval)

	return ch, nil
}

// wsChannel is a joined realtime channel
type wsChannel struct {
	name   string
	topic  string
	conn   *websocket.Conn
	events chan *proto.ChangeEvent
	done   chan struct{}
	ref    atomic.Int64
	wmu    sync.Mutex
	once   sync.Once
	logger zerolog.Logger
}

func (c *wsChannel) Name() string { return c.name }
func (c *wsChannel) Events() <-chan *proto.ChangeEvent { return c.events }

// send writes one frame; gorilla connections allow a single concurrent writer
func (c *wsChannel) send(topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	msg := phoenixMessage{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     strconv.FormatInt(c.ref.Add(1), 10),
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(msg)
}

// join sends phx_join and waits for an ok reply
func (c *wsChannel) join(config WebSocketConfig, tables []proto.EntityTable) error {
	var payload joinPayload
	payload.AccessToken = config.APIKey
	for _, table := range tables {
		payload.Config.PostgresChanges = append(payload.Config.PostgresChanges, postgresChangeFilter{
			Event:  "*",
			Schema: config.Schema,
			Table:  string(table),
		})
	}

	if err := c.send(c.topic, eventJoin, payload); err != nil {
		return fmt.Errorf("failed to send join: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(config.HandshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		var msg phoenixMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read join reply: %w", err)
		}
		if msg.Topic != c.topic || msg.Event != eventReply {
			continue
		}

		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("invalid join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("join rejected: %s %s", reply.Status, string(reply.Response))
		}

		c.logger.Info().Str("topic", c.topic).Msg("Joined realtime channel")
		return nil
	}
}

// receiveEvents decodes incoming frames until the connection ends
func (c *wsChannel) receiveEvents() {
	defer func() {
		close(c.events)
		c.shutdown()
	}()

	for {
		var msg phoenixMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn().Err(err).Msg("Realtime connection ended")
			}
			return
		}

		if msg.Topic != c.topic {
			continue
		}

		switch msg.Event {
		case eventPostgresChanges:
			event, err := decodeChange(msg.Payload)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Dropping undecodable change payload")
				continue
			}

			select {
			case c.events <- event:
			default:
				c.logger.Warn().
					Str("table", string(event.Table)).
					Str("entity_id", event.EntityID()).
					Msg("Event buffer full, dropping event")
			}

		case eventError, eventClose:
			c.logger.Warn().Str("event", msg.Event).Msg("Channel closed by server")
			return
		}
	}
}

// heartbeat keeps the socket alive
func (c *wsChannel) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.send("phoenix", eventHeartbeat, struct{}{}); err != nil {
				c.logger.Debug().Err(err).Msg("Heartbeat failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Close leaves the channel and closes the connection
func (c *wsChannel) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	if err := c.send(c.topic, eventLeave, struct{}{}); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send leave")
	}

	c.wmu.Lock()
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()

	c.shutdown()
	return err
}

// decodeChange converts a postgres_changes payload into a ChangeEvent
func decodeChange(raw json.RawMessage) (*proto.ChangeEvent, error) {
	var payload changePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change: %w", err)
	}

	event := &proto.ChangeEvent{
		Table:  proto.EntityTable(payload.Data.Table),
		Type:   proto.EventType(payload.Data.Type),
		Before: emptyToNil(payload.Data.OldRecord),
		After:  emptyToNil(payload.Data.Record),
	}

	if payload.Data.CommitTimestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, payload.Data.CommitTimestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid commit timestamp %q: %w", payload.Data.CommitTimestamp, err)
		}
		event.CommitTimestamp = timestamppb.New(ts)
	}

	return event, nil
}

// emptyToNil maps an empty record, as sent for old_record on inserts, to nil
func emptyToNil(r *proto.Record) *proto.Record {
	if r == nil || *r == (proto.Record{}) {
		return nil
	}
	return r
}
