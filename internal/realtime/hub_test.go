package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	var counter int
	generateID = func() string {
		counter++
		return fmt.Sprintf("test-channel-id-%d", counter)
	}
}

func orderEvent(id, userID string, status proto.OrderStatus) *proto.ChangeEvent {
	return &proto.ChangeEvent{
		Table: proto.TableOrders,
		Type:  proto.EventUpdate,
		After: &proto.Record{Id: id, UserId: userID, Status: status},
	}
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "orders-user-1", ChannelName("user-1"))
}

func TestHubOpenAndPublish(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, err := hub.Open(ctx, "orders-a", WatchedTables)
	require.NoError(t, err)
	assert.Equal(t, "orders-a", ch.Name())
	assert.Equal(t, 1, hub.Len())

	event := orderEvent("o-1", "a", proto.StatusSubmitted)
	assert.Equal(t, 1, hub.Publish(event))

	select {
	case got := <-ch.Events():
		assert.Same(t, event, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHubFiltersByTable(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ordersOnly, err := hub.Open(ctx, "orders-a", []proto.EntityTable{proto.TableOrders})
	require.NoError(t, err)

	item := &proto.ChangeEvent{
		Table: proto.TableOrderItems,
		Type:  proto.EventInsert,
		After: &proto.Record{Id: "i-1", OrderId: "o-1"},
	}
	assert.Equal(t, 0, hub.Publish(item))
	assert.Len(t, ordersOnly.Events(), 0)

	assert.Equal(t, 0, hub.Publish(nil))
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	a, err := hub.Open(ctx, "orders-a", WatchedTables)
	require.NoError(t, err)
	b, err := hub.Open(ctx, "orders-b", WatchedTables)
	require.NoError(t, err)

	assert.Equal(t, 2, hub.Publish(orderEvent("o-1", "a", proto.StatusSubmitted)))
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestHubCloseIsIdempotent(t *testing.T) {
	hub := NewHub()

	ch, err := hub.Open(context.Background(), "orders-a", WatchedTables)
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, 0, hub.Len())

	_, ok := <-ch.Events()
	assert.False(t, ok, "events channel should be closed")

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	assert.Empty(t, hub.tableSubs)
}

func TestHubBufferFullDropsEvent(t *testing.T) {
	hub := NewHub(HubConfig{MaxBufferSize: 1})

	ch, err := hub.Open(context.Background(), "orders-a", WatchedTables)
	require.NoError(t, err)

	assert.Equal(t, 1, hub.Publish(orderEvent("o-1", "a", proto.StatusSubmitted)))
	assert.Equal(t, 0, hub.Publish(orderEvent("o-2", "a", proto.StatusSubmitted)))
	assert.Len(t, ch.Events(), 1)
}

func TestHubStartConsumesStream(t *testing.T) {
	hub := NewHub()
	ch, err := hub.Open(context.Background(), "orders-a", WatchedTables)
	require.NoError(t, err)

	stream := make(chan *proto.ChangeEvent, 1)
	done := make(chan error, 1)
	go func() {
		done <- hub.Start(context.Background(), stream)
	}()

	stream <- orderEvent("o-1", "a", proto.StatusProcessing)
	close(stream)

	require.NoError(t, <-done)
	assert.Len(t, ch.Events(), 1)
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, err := hub.Open(ctx, "orders-a", WatchedTables)
	require.NoError(t, err)

	require.NoError(t, hub.Shutdown(ctx))

	_, ok := <-ch.Events()
	assert.False(t, ok)
	require.NoError(t, ch.Close())

	_, err = hub.Open(ctx, "orders-b", WatchedTables)
	assert.ErrorIs(t, err, ErrClosed)
}
