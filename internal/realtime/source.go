// Package realtime provides change-event sources for subscription sessions.
package realtime

import (
	"context"
	"errors"

	"github.com/nkkko/stocksync/pkg/proto"
)

// ErrClosed is returned when opening a channel on a closed source
var ErrClosed = errors.New("realtime source closed")

// WatchedTables are the tables every order channel listens to
var WatchedTables = []proto.EntityTable{proto.TableOrders, proto.TableOrderItems}

// Source opens named change-event channels against the remote store
type Source interface {
	Open(ctx context.Context, name string, tables []proto.EntityTable) (Channel, error)
}

// Channel is a live stream of row-level change events.
// Events is closed when the channel ends, either by Close or by the remote side.
type Channel interface {
	Name() string
	Events() <-chan *proto.ChangeEvent
	Close() error
}

// ChannelName returns the channel name for a viewer
func ChannelName(viewerID string) string {
	return "orders-" + viewerID
}
