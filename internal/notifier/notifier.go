package notifier

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned when delivering to a notifier that has been shut down
var ErrClosed = errors.New("notifier closed")

// Config contains notifier configuration
type Config struct {
	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between heartbeat frames on open streams
	HeartbeatInterval time.Duration

	// Broadcast buffer size for batching notifications
	BroadcastBufferSize int

	// Flush interval for broadcast buffer
	BroadcastFlushInterval time.Duration

	// Per-client channel capacity
	ClientBufferSize int

	// Notifications kept per user for the history endpoint
	HistorySize int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleTime:            5 * time.Minute,
		HeartbeatInterval:      30 * time.Second,
		BroadcastBufferSize:    32,
		BroadcastFlushInterval: 50 * time.Millisecond,
		ClientBufferSize:       64,
		HistorySize:            50,
	}
}

// Client is one connected notification stream
type Client struct {
	ID         string
	UserID     string
	LastActive time.Time
	events     <-chan *proto.Notification
	isSSE      bool
	mu         sync.Mutex
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastActive
}

// Frame is the envelope written to stream clients
type Frame struct {
	Type         string              `json:"type"`
	Notification *proto.Notification `json:"notification,omitempty"`
	ClientID     string              `json:"client_id,omitempty"`
	Timestamp    int64               `json:"timestamp,omitempty"`
}

// Notifier streams delivered notifications to connected clients of the same user
// and keeps a short per-user history. It satisfies dispatcher.Sink.
type Notifier struct {
	config          Config
	clients         map[string]*Client
	mu              sync.RWMutex
	history         map[string][]*proto.Notification
	historyMu       sync.RWMutex
	logger          zerolog.Logger
	broadcastBuffer *BroadcastBuffer
	metrics         *metrics.Metrics
	closed          chan struct{}
	closeOnce       sync.Once
}

var generateID = func() string {
	return uuid.NewString()
}

// NewNotifier creates a notifier
func NewNotifier(config Config) *Notifier {
	logger := log.With().Str("component", "notifier").Logger()

	defaults := DefaultConfig()
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.BroadcastBufferSize == 0 {
		config.BroadcastBufferSize = defaults.BroadcastBufferSize
	}
	if config.BroadcastFlushInterval == 0 {
		config.BroadcastFlushInterval = defaults.BroadcastFlushInterval
	}
	if config.ClientBufferSize == 0 {
		config.ClientBufferSize = defaults.ClientBufferSize
	}
	if config.HistorySize == 0 {
		config.HistorySize = defaults.HistorySize
	}

	return &Notifier{
		config:          config,
		clients:         make(map[string]*Client),
		history:         make(map[string][]*proto.Notification),
		logger:          logger,
		broadcastBuffer: NewBroadcastBuffer(config.BroadcastBufferSize, config.BroadcastFlushInterval),
		metrics:         metrics.GetMetrics(),
		closed:          make(chan struct{}),
	}
}

// Start runs idle client cleanup until ctx is cancelled
func (n *Notifier) Start(ctx context.Context) error {
	n.logger.Info().Msg("Starting notifier")

	ticker := time.NewTicker(n.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return n.Shutdown(context.Background())
		case <-n.closed:
			return nil
		case <-ticker.C:
			n.cleanupIdleClients()
		}
	}
}

// Deliver records the notification and broadcasts it to the user's streams
func (n *Notifier) Deliver(ctx context.Context, notification *proto.Notification) error {
	if notification == nil {
		return fmt.Errorf("nil notification")
	}

	select {
	case <-n.closed:
		return ErrClosed
	default:
	}

	n.historyMu.Lock()
	entries := append(n.history[notification.UserId], notification)
	if len(entries) > n.config.HistorySize {
		entries = entries[len(entries)-n.config.HistorySize:]
	}
	n.history[notification.UserId] = entries
	n.historyMu.Unlock()

	n.broadcastBuffer.Publish(notification)
	return nil
}

// History returns the most recent notifications for a user, newest last
func (n *Notifier) History(userID string) []*proto.Notification {
	n.historyMu.RLock()
	defer n.historyMu.RUnlock()

	entries := n.history[userID]
	out := make([]*proto.Notification, len(entries))
	copy(out, entries)
	return out
}

// ClearHistory drops the stored notifications for a user
func (n *Notifier) ClearHistory(userID string) {
	n.historyMu.Lock()
	delete(n.history, userID)
	n.historyMu.Unlock()
}

// ClientCount returns the number of connected stream clients
func (n *Notifier) ClientCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}

// RegisterWebSocketHandler registers the WebSocket stream at /notifications/stream
func (n *Notifier) RegisterWebSocketHandler(app *fiber.App) {
	app.Use("/notifications/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/notifications/stream", websocket.New(func(conn *websocket.Conn) {
		userID := conn.Query("user")
		if userID == "" {
			n.logger.Warn().Msg("WebSocket client connected without user")
			_ = conn.WriteJSON(fiber.Map{"type": "error", "error": "user query parameter is required"})
			return
		}

		client := n.addClient(userID, false)
		defer n.removeClient(client.ID)

		n.handleWebSocketClient(client, conn)
	}))
}

// RegisterSSEHandler registers the Server-Sent Events stream at /notifications/stream-sse
func (n *Notifier) RegisterSSEHandler(app *fiber.App) {
	app.Get("/notifications/stream-sse", func(c *fiber.Ctx) error {
		userID := c.Query("user")
		if userID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "user query parameter is required",
			})
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		client := n.addClient(userID, true)

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer n.removeClient(client.ID)
			n.streamSSE(client, w)
		})

		return nil
	})
}

// RegisterHistoryHandler registers GET /notifications?user=
func (n *Notifier) RegisterHistoryHandler(app *fiber.App) {
	app.Get("/notifications", func(c *fiber.Ctx) error {
		userID := c.Query("user")
		if userID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "user query parameter is required",
			})
		}
		return c.JSON(fiber.Map{
			"user_id":       userID,
			"notifications": n.History(userID),
		})
	})
}

func (n *Notifier) addClient(userID string, isSSE bool) *Client {
	client := &Client{
		ID:         generateID(),
		UserID:     userID,
		LastActive: time.Now(),
		isSSE:      isSSE,
	}
	client.events = n.broadcastBuffer.Subscribe(client.ID, n.config.ClientBufferSize)

	n.mu.Lock()
	n.clients[client.ID] = client
	n.mu.Unlock()

	n.logger.Info().
		Str("client_id", client.ID).
		Str("user_id", userID).
		Bool("sse", isSSE).
		Msg("Stream client connected")

	return client
}

func (n *Notifier) handleWebSocketClient(client *Client, conn *websocket.Conn) {
	_ = conn.WriteJSON(Frame{Type: "connected", ClientID: client.ID, Timestamp: time.Now().UnixMilli()})

	// Reader: pings keep the client alive, a read error ends the session
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			client.touch()
			n.processClientMessage(client, conn, msg)
		}
	}()

	heartbeat := time.NewTicker(n.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-readerDone:
			return
		case <-heartbeat.C:
			if err := conn.WriteJSON(Frame{Type: "heartbeat", Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		case notification, ok := <-client.events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if notification.UserId != client.UserID {
				continue
			}
			if err := conn.WriteJSON(Frame{Type: "notification", Notification: notification}); err != nil {
				n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Failed to write notification")
				return
			}
			client.touch()
		}
	}
}

func (n *Notifier) streamSSE(client *Client, w *bufio.Writer) {
	if err := writeSSE(w, "connected", Frame{Type: "connected", ClientID: client.ID}); err != nil {
		return
	}

	heartbeat := time.NewTicker(n.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			if err := writeSSE(w, "heartbeat", Frame{Type: "heartbeat", Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		case notification, ok := <-client.events:
			if !ok {
				return
			}
			if notification.UserId != client.UserID {
				continue
			}
			if err := writeSSE(w, "notification", Frame{Type: "notification", Notification: notification}); err != nil {
				n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("SSE client went away")
				return
			}
			client.touch()
		}
	}
}

func writeSSE(w *bufio.Writer, event string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}

func (n *Notifier) processClientMessage(client *Client, conn *websocket.Conn, msg []byte) {
	var request struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(msg, &request); err != nil {
		n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Invalid client message")
		return
	}

	switch request.Action {
	case "ping":
		// Only the reader goroutine handles pings, the writer owns other frames
		n.logger.Debug().Str("client_id", client.ID).Msg("Ping")
	default:
		n.logger.Debug().
			Str("client_id", client.ID).
			Str("action", request.Action).
			Msg("Unknown client action")
	}
}

func (n *Notifier) removeClient(clientID string) {
	n.mu.Lock()
	client, ok := n.clients[clientID]
	delete(n.clients, clientID)
	n.mu.Unlock()

	if !ok {
		return
	}

	n.broadcastBuffer.Unsubscribe(clientID)

	n.logger.Info().
		Str("client_id", clientID).
		Str("user_id", client.UserID).
		Msg("Stream client disconnected")
}

// cleanupIdleClients unsubscribes idle clients, which ends their stream loops
func (n *Notifier) cleanupIdleClients() {
	cutoff := time.Now().Add(-n.config.MaxIdleTime)

	n.mu.RLock()
	var idle []string
	for id, client := range n.clients {
		if client.idleSince().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	n.mu.RUnlock()

	for _, id := range idle {
		n.logger.Info().Str("client_id", id).Msg("Dropping idle client")
		n.broadcastBuffer.Unsubscribe(id)
	}
}

// Shutdown closes every stream and stops accepting deliveries
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.closeOnce.Do(func() {
		n.logger.Info().Msg("Shutting down notifier")
		close(n.closed)
		_ = n.broadcastBuffer.Close()
	})
	return nil
}
