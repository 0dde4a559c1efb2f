package badger

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/nkkko/stocksync/pkg/proto"
)

// Cache keeps recently read snapshots in memory
type Cache struct {
	snapshots  *lru.TwoQueueCache
	mutex      sync.RWMutex
	metrics    *metrics.Metrics
	expiration time.Duration
}

// cacheItem represents an item in the cache with an expiration time
type cacheItem struct {
	value      *proto.OrderSnapshot
	expiration time.Time
}

// NewCache creates a new cache with the given capacity
func NewCache(capacity int, expiration time.Duration) (*Cache, error) {
	snapshots, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}

	return &Cache{
		snapshots:  snapshots,
		metrics:    metrics.GetMetrics(),
		expiration: expiration,
	}, nil
}

// GetSnapshot retrieves a snapshot from the cache
func (c *Cache) GetSnapshot(key string) (*proto.OrderSnapshot, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	value, found := c.snapshots.Get(key)
	if !found {
		c.metrics.StorageOperations.WithLabelValues("cache_miss_snapshot", "true").Inc()
		return nil, false
	}

	item := value.(cacheItem)
	if time.Now().After(item.expiration) {
		c.snapshots.Remove(key)
		c.metrics.StorageOperations.WithLabelValues("cache_expired_snapshot", "true").Inc()
		return nil, false
	}

	c.metrics.StorageOperations.WithLabelValues("cache_hit_snapshot", "true").Inc()
	return item.value, true
}

// SetSnapshot adds a snapshot to the cache
func (c *Cache) SetSnapshot(key string, snapshot *proto.OrderSnapshot) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.snapshots.Add(key, cacheItem{
		value:      snapshot,
		expiration: time.Now().Add(c.expiration),
	})
}

// DeleteSnapshot removes a snapshot from the cache
func (c *Cache) DeleteSnapshot(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.snapshots.Remove(key)
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.snapshots.Purge()
}
