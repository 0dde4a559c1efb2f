package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRealtimeServer accepts one join and then sends the given frames
func fakeRealtimeServer(t *testing.T, joined chan<- joinPayload, frames ...phoenixMessage) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join phoenixMessage
		if err := conn.ReadJSON(&join); err != nil {
			return
		}

		var payload joinPayload
		_ = json.Unmarshal(join.Payload, &payload)
		if joined != nil {
			joined <- payload
		}

		_ = conn.WriteJSON(phoenixMessage{
			Topic:   join.Topic,
			Event:   eventReply,
			Payload: json.RawMessage(`{"status":"ok","response":{}}`),
			Ref:     join.Ref,
		})

		for _, frame := range frames {
			if frame.Topic == "" {
				frame.Topic = join.Topic
			}
			_ = conn.WriteJSON(frame)
		}

		// Drain until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketSourceJoinAndReceive(t *testing.T) {
	change := phoenixMessage{
		Event: eventPostgresChanges,
		Payload: json.RawMessage(`{"data":{
			"table":"orders","type":"UPDATE",
			"record":{"id":"o-1","user_id":"u-1","status":"fulfilled","order_number":"1001"},
			"old_record":{"id":"o-1","user_id":"u-1","status":"submitted","order_number":"1001"},
			"commit_timestamp":"2024-05-01T10:00:00.123Z"}}`),
	}

	joined := make(chan joinPayload, 1)
	server := fakeRealtimeServer(t, joined, change)
	defer server.Close()

	source := NewWebSocketSource(WebSocketConfig{URL: wsURL(server), APIKey: "test-key"})
	ch, err := source.Open(context.Background(), "orders-u-1", WatchedTables)
	require.NoError(t, err)
	defer ch.Close()

	payload := <-joined
	require.Len(t, payload.Config.PostgresChanges, 2)
	assert.Equal(t, "orders", payload.Config.PostgresChanges[0].Table)
	assert.Equal(t, "order_items", payload.Config.PostgresChanges[1].Table)
	assert.Equal(t, "public", payload.Config.PostgresChanges[0].Schema)

	select {
	case event := <-ch.Events():
		require.NotNil(t, event)
		assert.Equal(t, proto.TableOrders, event.Table)
		assert.Equal(t, proto.EventUpdate, event.Type)
		assert.Equal(t, proto.StatusSubmitted, event.Before.Status)
		assert.Equal(t, proto.StatusFulfilled, event.After.Status)
		assert.Equal(t, "1001", event.After.OrderNumber)
		require.NotNil(t, event.CommitTimestamp)
		assert.Equal(t, int64(1714557600), event.CommitTimestamp.AsTime().Unix())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestWebSocketSourceServerCloseEndsChannel(t *testing.T) {
	server := fakeRealtimeServer(t, nil, phoenixMessage{Event: eventClose, Payload: json.RawMessage(`{}`)})
	defer server.Close()

	source := NewWebSocketSource(WebSocketConfig{URL: wsURL(server), APIKey: "test-key"})
	ch, err := source.Open(context.Background(), "orders-u-1", WatchedTables)
	require.NoError(t, err)

	select {
	case _, ok := <-ch.Events():
		assert.False(t, ok, "events channel should close when the server closes the channel")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	assert.NoError(t, ch.Close())
}

func TestWebSocketSourceDialFailure(t *testing.T) {
	source := NewWebSocketSource(WebSocketConfig{URL: "ws://127.0.0.1:1/realtime", HandshakeTimeout: time.Second})
	_, err := source.Open(context.Background(), "orders-u-1", WatchedTables)
	assert.Error(t, err)
}

func TestDecodeChangeInsertHasNoBefore(t *testing.T) {
	event, err := decodeChange(json.RawMessage(`{"data":{"table":"orders","type":"INSERT",
		"record":{"id":"o-2","user_id":"u-1","status":"submitted"},"old_record":{}}}`))
	require.NoError(t, err)
	assert.Nil(t, event.Before)
	assert.Equal(t, "o-2", event.EntityID())
	assert.Nil(t, event.CommitTimestamp)

	_, err = decodeChange(json.RawMessage(`{"data":{"table":"orders","commit_timestamp":"yesterday"}}`))
	assert.Error(t, err)
}
