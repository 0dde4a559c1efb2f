package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nkkko/stocksync/pkg/proto"
)

// Ensure RESTBackend implements Backend
var _ Backend = (*RESTBackend)(nil)

const orderColumns = "id,user_id,location_id,status,order_number,updated_at"

// RESTBackend reads orders through a PostgREST-style HTTP API
type RESTBackend struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
	limit      int
}

// RESTOption is a function that configures a RESTBackend
type RESTOption func(*RESTBackend)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) RESTOption {
	return func(b *RESTBackend) {
		b.httpClient.Timeout = timeout
	}
}

// WithAPIKey sets the apikey header and bearer token
func WithAPIKey(key string) RESTOption {
	return func(b *RESTBackend) {
		b.headers.Set("apikey", key)
		b.headers.Set("Authorization", "Bearer "+key)
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) RESTOption {
	return func(b *RESTBackend) {
		for k, v := range headers {
			b.headers.Set(k, v)
		}
	}
}

// WithLimit caps the number of orders returned per list
func WithLimit(limit int) RESTOption {
	return func(b *RESTBackend) {
		b.limit = limit
	}
}

// NewRESTBackend creates a new REST backend
func NewRESTBackend(baseURL string, options ...RESTOption) *RESTBackend {
	headers := http.Header{}
	headers.Set("Accept", "application/json")

	backend := &RESTBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    headers,
		limit:      500,
	}

	// Apply options
	for _, option := range options {
		option(backend)
	}

	return backend
}

// ManagerOrders returns every order
func (b *RESTBackend) ManagerOrders(ctx context.Context) ([]*proto.Order, error) {
	return b.listOrders(ctx, nil)
}

// EmployeeOrders returns the orders owned by userID
func (b *RESTBackend) EmployeeOrders(ctx context.Context, userID string) ([]*proto.Order, error) {
	return b.listOrders(ctx, url.Values{"user_id": {"eq." + userID}})
}

func (b *RESTBackend) listOrders(ctx context.Context, filters url.Values) ([]*proto.Order, error) {
	q := url.Values{}
	q.Set("select", orderColumns)
	q.Set("order", "updated_at.desc")
	if b.limit > 0 {
		q.Set("limit", fmt.Sprint(b.limit))
	}
	for k, vs := range filters {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	resp, err := b.do(ctx, http.MethodGet, "/rest/v1/orders", q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var orders []*proto.Order
	if err := json.NewDecoder(resp.Body).Decode(&orders); err != nil {
		return nil, fmt.Errorf("failed to decode orders: %w", err)
	}
	return orders, nil
}

// do makes an HTTP request
func (b *RESTBackend) do(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	u, err := url.Parse(b.baseURL + path)
	if err != nil {
		return nil, err
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}

	// Set headers
	for k, v := range b.headers {
		req.Header[k] = v
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	// Check for errors
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		// Try to parse error message
		body, _ := io.ReadAll(resp.Body)

		var errResp struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Message)
		}

		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, resp.Status)
	}

	return resp, nil
}
