// Package preferences reads per-user notification preferences.
package preferences

import (
	"context"
	"sync"
	"time"

	"github.com/nkkko/stocksync/internal/querycache"
	"github.com/nkkko/stocksync/pkg/proto"
)

// Store returns a user's notification preferences.
// Users without stored preferences get proto.DefaultPreferences.
type Store interface {
	Get(ctx context.Context, userID string) (proto.NotificationPreferences, error)
}

// StaticStore serves preferences from memory
type StaticStore struct {
	defaults proto.NotificationPreferences
	users    map[string]proto.NotificationPreferences
	mu       sync.RWMutex
}

// NewStaticStore creates a store answering defaults for unknown users
func NewStaticStore(defaults proto.NotificationPreferences) *StaticStore {
	return &StaticStore{
		defaults: defaults,
		users:    make(map[string]proto.NotificationPreferences),
	}
}

// Get returns the preferences for userID
func (s *StaticStore) Get(ctx context.Context, userID string) (proto.NotificationPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if prefs, ok := s.users[userID]; ok {
		return prefs, nil
	}
	return s.defaults, nil
}

// Put replaces the preferences for userID
func (s *StaticStore) Put(userID string, prefs proto.NotificationPreferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = prefs
}

// CachedStore serves preferences through a query cache
type CachedStore struct {
	store Store
	cache *querycache.Cache
	ttl   time.Duration
}

// NewCachedStore wraps store with cache, keeping entries for ttl
func NewCachedStore(store Store, cache *querycache.Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{store: store, cache: cache, ttl: ttl}
}

// Get returns cached preferences, loading them from the underlying store on a miss
func (s *CachedStore) Get(ctx context.Context, userID string) (proto.NotificationPreferences, error) {
	return querycache.CachedFetch(ctx, s.cache, CacheKey(userID), s.ttl, func(ctx context.Context) (proto.NotificationPreferences, error) {
		return s.store.Get(ctx, userID)
	})
}

// CacheKey is the query cache key holding a user's preferences
func CacheKey(userID string) string {
	return querycache.Key("preferences", userID)
}
