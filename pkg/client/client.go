package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/stocksync/pkg/proto"
)

// Client is an HTTP client for the stocksync control API
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new control API client. baseURL may omit the scheme.
func New(baseURL string, options ...ClientOption) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Error is a failed API call
type Error struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// envelope is the JSON wrapper every API response uses
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *Error          `json:"error"`
	Meta    json.RawMessage `json:"meta"`
}

// Session describes a started session
type Session struct {
	HandleID  string     `json:"handle_id"`
	ViewerID  string     `json:"viewer_id"`
	Role      proto.Role `json:"role"`
	Channel   string     `json:"channel"`
	StartedAt string     `json:"started_at"`
}

// Status is the state of the active session
type Status struct {
	Active          bool       `json:"active"`
	HandleID        string     `json:"handle_id"`
	ViewerID        string     `json:"viewer_id"`
	Role            proto.Role `json:"role"`
	Audience        string     `json:"audience"`
	Channel         string     `json:"channel"`
	Connected       bool       `json:"connected"`
	Foreground      bool       `json:"foreground"`
	StartedAt       time.Time  `json:"started_at"`
	EventsReceived  int64      `json:"events_received"`
	EventsRouted    int64      `json:"events_routed"`
	Transitions     int64      `json:"transitions"`
	Notifications   int64      `json:"notifications"`
	Reconnects      int64      `json:"reconnects"`
	TrackedOrders   int        `json:"tracked_orders"`
	RefreshPending  bool       `json:"refresh_pending"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at"`
}

// StartSession starts the change-event session for a viewer
func (c *Client) StartSession(ctx context.Context, viewerID string, role proto.Role) (*Session, error) {
	req := map[string]any{"viewer_id": viewerID, "role": role}

	var session Session
	if err := c.call(ctx, http.MethodPost, "/session", nil, req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// StopSession stops the active session. With purge, stored snapshots and
// notification history of the viewer are removed as well.
func (c *Client) StopSession(ctx context.Context, purge bool) (bool, error) {
	var query url.Values
	if purge {
		query = url.Values{"purge": {"true"}}
	}

	var result struct {
		Stopped bool `json:"stopped"`
	}
	if err := c.call(ctx, http.MethodDelete, "/session", query, nil, &result); err != nil {
		return false, err
	}
	return result.Stopped, nil
}

// Foreground reports the app moving to the foreground, forcing a refresh
func (c *Client) Foreground(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/lifecycle/foreground", nil, nil, nil)
}

// Background reports the app moving to the background
func (c *Client) Background(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/lifecycle/background", nil, nil, nil)
}

// InvalidateCache drops one cache key
func (c *Client) InvalidateCache(ctx context.Context, key string) error {
	return c.call(ctx, http.MethodPost, "/cache/invalidate", nil, map[string]string{"key": key}, nil)
}

// InvalidateCachePrefix drops every cache key under prefix and returns the count
func (c *Client) InvalidateCachePrefix(ctx context.Context, prefix string) (int, error) {
	var result struct {
		Removed int `json:"removed"`
	}
	if err := c.call(ctx, http.MethodPost, "/cache/invalidate", nil, map[string]string{"prefix": prefix}, &result); err != nil {
		return 0, err
	}
	return result.Removed, nil
}

// Status returns the state of the active session
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.call(ctx, http.MethodGet, "/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Orders returns the active viewer's order list
func (c *Client) Orders(ctx context.Context) ([]*proto.Order, error) {
	var orders []*proto.Order
	if err := c.call(ctx, http.MethodGet, "/orders", nil, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// Snapshot returns the last refreshed order list of the active viewer
func (c *Client) Snapshot(ctx context.Context) (*proto.OrderSnapshot, error) {
	var snapshot proto.OrderSnapshot
	if err := c.call(ctx, http.MethodGet, "/orders/snapshot", nil, nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// PublishEvent injects a change event into the service's in-process source
// and returns the number of channels it was queued on
func (c *Client) PublishEvent(ctx context.Context, event *proto.ChangeEvent) (int, error) {
	var result struct {
		Channels int `json:"channels"`
	}
	if err := c.call(ctx, http.MethodPost, "/events", nil, event, &result); err != nil {
		return 0, err
	}
	return result.Channels, nil
}

// Notifications returns the recent notifications delivered to userID
func (c *Client) Notifications(ctx context.Context, userID string) ([]*proto.Notification, error) {
	var notifications []*proto.Notification
	if err := c.call(ctx, http.MethodGet, "/notifications", url.Values{"user": {userID}}, nil, &notifications); err != nil {
		return nil, err
	}
	return notifications, nil
}

// Subscribe opens the notification stream for userID
func (c *Client) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = "/notifications/stream"
	u.RawQuery = url.Values{"user": {userID}}.Encode()

	conn, _, err := c.websocketDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to notification stream: %w", err)
	}

	sub := &Subscription{
		Conn:          conn,
		Notifications: make(chan *proto.Notification, 100),
		Done:          make(chan struct{}),
	}

	go sub.receive()

	return sub, nil
}

// call makes a request and decodes the envelope's data into out
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// do makes an HTTP request
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		data, _ := io.ReadAll(resp.Body)

		var env envelope
		if err := json.Unmarshal(data, &env); err == nil && env.Error != nil {
			env.Error.StatusCode = resp.StatusCode
			return nil, env.Error
		}

		return nil, &Error{StatusCode: resp.StatusCode, Message: resp.Status}
	}

	return resp, nil
}

// Subscription is an open notification stream
type Subscription struct {
	Conn          *websocket.Conn
	Notifications chan *proto.Notification
	Done          chan struct{}
}

// frame is one message on the notification stream
type frame struct {
	Type         string              `json:"type"`
	Notification *proto.Notification `json:"notification"`
}

// receive reads frames until the connection closes
func (s *Subscription) receive() {
	defer func() {
		close(s.Notifications)
		close(s.Done)
		s.Conn.Close()
	}()

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			continue
		}
		if f.Type != "notification" || f.Notification == nil {
			// Heartbeats and pongs
			continue
		}

		select {
		case s.Notifications <- f.Notification:
		default:
			// Channel is full, drop notification
		}
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	err := s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case <-s.Done:
	case <-time.After(time.Second):
		s.Conn.Close()
	}

	return err
}
