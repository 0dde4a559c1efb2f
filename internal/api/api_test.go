package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nkkko/stocksync/internal/dispatcher"
	"github.com/nkkko/stocksync/internal/notifier"
	"github.com/nkkko/stocksync/internal/preferences"
	"github.com/nkkko/stocksync/internal/querycache"
	"github.com/nkkko/stocksync/internal/quiethours"
	"github.com/nkkko/stocksync/internal/realtime"
	"github.com/nkkko/stocksync/internal/remote"
	"github.com/nkkko/stocksync/internal/storage"
	"github.com/nkkko/stocksync/internal/subscription"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	calls atomic.Int32
}

func (b *stubBackend) ManagerOrders(ctx context.Context) ([]*proto.Order, error) {
	b.calls.Add(1)
	return []*proto.Order{{Id: "o-1", UserId: "emp-2", Status: proto.StatusSubmitted}}, nil
}

func (b *stubBackend) EmployeeOrders(ctx context.Context, userID string) ([]*proto.Order, error) {
	b.calls.Add(1)
	return []*proto.Order{{Id: "o-1", UserId: userID, Status: proto.StatusSubmitted, OrderNumber: "42"}}, nil
}

type testEnv struct {
	api      *API
	notifier *notifier.Notifier
	cache    *querycache.Cache
	backend  *stubBackend
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()

	cache, err := querycache.New(querycache.DefaultConfig())
	require.NoError(t, err)

	n := notifier.NewNotifier(notifier.DefaultConfig())
	d, err := dispatcher.NewDispatcher(dispatcher.DefaultConfig(), n, quiethours.NewEvaluator(time.UTC))
	require.NoError(t, err)

	snapshots, err := storage.CreateStorage(storage.FactoryConfig{
		Type:   storage.MemoryStorage,
		Config: storage.DefaultConfig(),
	})
	require.NoError(t, err)

	hub := realtime.NewHub()
	backend := &stubBackend{}

	config := subscription.DefaultConfig()
	config.Coalescer.Window = 10 * time.Millisecond
	sessions, err := subscription.NewManager(config, subscription.Dependencies{
		Source:      hub,
		Fetcher:     remote.NewFetcher(backend, cache, time.Minute),
		Cache:       cache,
		Preferences: preferences.NewStaticStore(proto.DefaultPreferences()),
		Dispatcher:  d,
		Snapshots:   snapshots,
	})
	require.NoError(t, err)

	a := NewAPI(DefaultConfig(), Dependencies{
		Sessions:  sessions,
		Cache:     cache,
		Notifier:  n,
		Snapshots: snapshots,
		Events:    hub,
	})

	t.Cleanup(func() {
		sessions.StopAll()
		_ = hub.Shutdown(context.Background())
		_ = n.Shutdown(context.Background())
		_ = snapshots.Shutdown(context.Background())
	})

	return &testEnv{api: a, notifier: n, cache: cache, backend: backend}
}

type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Meta      json.RawMessage `json:"meta"`
	Error     *struct {
		Type string `json:"type"`
		Code string `json:"code"`
	} `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.api.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	return resp.StatusCode, env
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := env.api.App().Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	env := setupTestAPI(t)

	status, body := env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, "not_found", body.Error.Type)
	assert.NotEmpty(t, body.RequestID)
}

func TestStartSessionValidation(t *testing.T) {
	env := setupTestAPI(t)

	status, body := env.do(t, http.MethodPost, "/session", StartSessionRequest{ViewerID: "emp-1", Role: "owner"})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, body.Error)
	assert.Equal(t, "invalid_value", body.Error.Code)

	status, body = env.do(t, http.MethodPost, "/session", StartSessionRequest{Role: proto.RoleEmployee})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "required_field_missing", body.Error.Code)
}

func TestSessionLifecycle(t *testing.T) {
	env := setupTestAPI(t)

	status, body := env.do(t, http.MethodPost, "/session", StartSessionRequest{ViewerID: "emp-1", Role: proto.RoleEmployee})
	require.Equal(t, http.StatusCreated, status)

	var session SessionResponse
	require.NoError(t, json.Unmarshal(body.Data, &session))
	assert.Equal(t, "emp-1", session.ViewerID)
	assert.Equal(t, "orders-emp-1", session.Channel)

	// Starting the same viewer again returns the same handle
	_, body = env.do(t, http.MethodPost, "/session", StartSessionRequest{ViewerID: "emp-1", Role: proto.RoleEmployee})
	var again SessionResponse
	require.NoError(t, json.Unmarshal(body.Data, &again))
	assert.Equal(t, session.HandleID, again.HandleID)

	status, body = env.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, status)
	var st subscription.Status
	require.NoError(t, json.Unmarshal(body.Data, &st))
	assert.True(t, st.Active)
	assert.Equal(t, "employee", st.Audience)

	status, body = env.do(t, http.MethodDelete, "/session?purge=true", nil)
	require.Equal(t, http.StatusOK, status)
	var stopped map[string]any
	require.NoError(t, json.Unmarshal(body.Data, &stopped))
	assert.Equal(t, true, stopped["stopped"])

	// A second stop is a no-op
	status, body = env.do(t, http.MethodDelete, "/session", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body.Data, &stopped))
	assert.Equal(t, false, stopped["stopped"])
}

func TestOrdersRequireSession(t *testing.T) {
	env := setupTestAPI(t)

	status, body := env.do(t, http.MethodGet, "/orders", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "no_active_session", body.Error.Code)

	status, _ = env.do(t, http.MethodPost, "/session", StartSessionRequest{ViewerID: "emp-1", Role: proto.RoleEmployee})
	require.Equal(t, http.StatusCreated, status)

	status, body = env.do(t, http.MethodGet, "/orders", nil)
	require.Equal(t, http.StatusOK, status)
	var orders []*proto.Order
	require.NoError(t, json.Unmarshal(body.Data, &orders))
	require.Len(t, orders, 1)

	// Served from cache the second time
	env.do(t, http.MethodGet, "/orders", nil)
	assert.Equal(t, int32(1), env.backend.calls.Load())
}

func TestForegroundWritesSnapshot(t *testing.T) {
	env := setupTestAPI(t)

	status, _ := env.do(t, http.MethodPost, "/lifecycle/background", nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodPost, "/session", StartSessionRequest{ViewerID: "emp-1", Role: proto.RoleEmployee})
	require.Equal(t, http.StatusCreated, status)

	status, body := env.do(t, http.MethodGet, "/orders/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "snapshot_not_found", body.Error.Code)

	status, _ = env.do(t, http.MethodPost, "/lifecycle/foreground", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/orders/snapshot", nil)
	require.Equal(t, http.StatusOK, status)
	var snapshot proto.OrderSnapshot
	require.NoError(t, json.Unmarshal(body.Data, &snapshot))
	assert.Equal(t, "emp-1", snapshot.ViewerId)
	assert.Len(t, snapshot.Orders, 1)
}

func TestInvalidateCache(t *testing.T) {
	env := setupTestAPI(t)
	ctx := context.Background()

	for _, key := range []string{"fetchEmployeeOrders:a", "fetchEmployeeOrders:b", "fetchManagerOrders"} {
		_, err := env.cache.Fetch(ctx, key, time.Minute, func(ctx context.Context) (any, error) { return 1, nil })
		require.NoError(t, err)
	}

	status, body := env.do(t, http.MethodPost, "/cache/invalidate", InvalidateCacheRequest{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing_key", body.Error.Code)

	status, body = env.do(t, http.MethodPost, "/cache/invalidate", InvalidateCacheRequest{Prefix: "fetchEmployeeOrders:"})
	require.Equal(t, http.StatusOK, status)
	var result map[string]any
	require.NoError(t, json.Unmarshal(body.Data, &result))
	assert.Equal(t, float64(2), result["removed"])
	assert.Equal(t, 1, env.cache.Len())

	status, _ = env.do(t, http.MethodPost, "/cache/invalidate", InvalidateCacheRequest{Key: "fetchManagerOrders"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, env.cache.Len())
}

func TestPublishedEventReachesNotificationHistory(t *testing.T) {
	env := setupTestAPI(t)

	status, _ := env.do(t, http.MethodPost, "/session", StartSessionRequest{ViewerID: "emp-1", Role: proto.RoleEmployee})
	require.Equal(t, http.StatusCreated, status)

	status, body := env.do(t, http.MethodPost, "/events", PublishEventRequest{ChangeEvent: proto.ChangeEvent{
		Table: proto.TableOrders,
		Type:  proto.EventUpdate,
	}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing_record", body.Error.Code)

	status, _ = env.do(t, http.MethodPost, "/events", PublishEventRequest{ChangeEvent: proto.ChangeEvent{
		Table:  proto.TableOrders,
		Type:   proto.EventUpdate,
		Before: &proto.Record{Id: "o-1", UserId: "emp-1", Status: proto.StatusSubmitted, OrderNumber: "42"},
		After:  &proto.Record{Id: "o-1", UserId: "emp-1", Status: proto.StatusFulfilled, OrderNumber: "42"},
	}})
	require.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool { return len(env.notifier.History("emp-1")) == 1 }, time.Second, 5*time.Millisecond)
	n := env.notifier.History("emp-1")[0]
	assert.Equal(t, "Your order has been fulfilled!", n.Body)
	assert.Equal(t, "Order #42", n.Title)
}
