// Package remote loads authoritative order lists from the remote store.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/nkkko/stocksync/internal/querycache"
	"github.com/nkkko/stocksync/pkg/proto"
)

// Backend reads the current order lists
type Backend interface {
	// ManagerOrders returns every order at every location
	ManagerOrders(ctx context.Context) ([]*proto.Order, error)

	// EmployeeOrders returns the orders owned by userID
	EmployeeOrders(ctx context.Context, userID string) ([]*proto.Order, error)
}

// Fetcher serves order lists through the query cache
type Fetcher struct {
	backend Backend
	cache   *querycache.Cache
	ttl     time.Duration
}

// NewFetcher creates a fetcher whose cached lists stay fresh for ttl
func NewFetcher(backend Backend, cache *querycache.Cache, ttl time.Duration) *Fetcher {
	return &Fetcher{
		backend: backend,
		cache:   cache,
		ttl:     ttl,
	}
}

// ManagerOrdersKey is the cache key of the manager-wide list
func ManagerOrdersKey() string {
	return querycache.Key("fetchManagerOrders")
}

// EmployeeOrdersKey is the cache key of one employee's list
func EmployeeOrdersKey(userID string) string {
	return querycache.Key("fetchEmployeeOrders", userID)
}

// Key returns the cache key used for an audience and viewer
func Key(audience proto.Audience, viewerID string) string {
	if audience == proto.AudienceManager {
		return ManagerOrdersKey()
	}
	return EmployeeOrdersKey(viewerID)
}

// ManagerOrders returns the manager-wide list, cached
func (f *Fetcher) ManagerOrders(ctx context.Context) ([]*proto.Order, error) {
	return querycache.CachedFetch(ctx, f.cache, ManagerOrdersKey(), f.ttl, f.backend.ManagerOrders)
}

// EmployeeOrders returns one employee's list, cached
func (f *Fetcher) EmployeeOrders(ctx context.Context, userID string) ([]*proto.Order, error) {
	return querycache.CachedFetch(ctx, f.cache, EmployeeOrdersKey(userID), f.ttl, func(ctx context.Context) ([]*proto.Order, error) {
		return f.backend.EmployeeOrders(ctx, userID)
	})
}

// Orders returns the list an audience sees, cached
func (f *Fetcher) Orders(ctx context.Context, audience proto.Audience, viewerID string) ([]*proto.Order, error) {
	switch audience {
	case proto.AudienceManager:
		return f.ManagerOrders(ctx)
	case proto.AudienceEmployee:
		if viewerID == "" {
			return nil, fmt.Errorf("employee orders require a viewer id")
		}
		return f.EmployeeOrders(ctx, viewerID)
	default:
		return nil, fmt.Errorf("unknown audience %q", audience)
	}
}

// Refresh drops the cached list and re-reads current state
func (f *Fetcher) Refresh(ctx context.Context, audience proto.Audience, viewerID string) ([]*proto.Order, error) {
	f.cache.Invalidate(Key(audience, viewerID))
	return f.Orders(ctx, audience, viewerID)
}
