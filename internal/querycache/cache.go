// Package querycache provides a time-boxed read cache with in-flight request
// deduplication for refresh and UI fetch paths.
package querycache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// ErrTypeMismatch is returned by CachedFetch when a key holds a value of another type
var ErrTypeMismatch = errors.New("cached value has unexpected type")

// Fetcher loads the authoritative value for a cache key
type Fetcher func(ctx context.Context) (any, error)

// Config contains query cache configuration
type Config struct {
	// Maximum number of cached entries
	Capacity int

	// TTL used when Fetch is called with ttl <= 0
	DefaultTTL time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Capacity:   512,
		DefaultTTL: 30 * time.Second,
	}
}

// entry is a cached fetch result with the time it was stored
type entry struct {
	data      any
	timestamp time.Time
}

// Cache is a TTL cache that shares one outstanding fetch per key
type Cache struct {
	config  Config
	entries *lru.Cache
	group   singleflight.Group

	// inflight maps a key to the token of its current fetch; a fetch whose
	// token was invalidated finishes without populating the cache
	inflight  map[string]uint64
	nextToken uint64
	mu        sync.Mutex

	now     func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a new query cache
func New(config Config) (*Cache, error) {
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}

	entries, err := lru.New(config.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &Cache{
		config:   config,
		entries:  entries,
		inflight: make(map[string]uint64),
		now:      time.Now,
		metrics:  metrics.GetMetrics(),
		logger:   log.With().Str("component", "querycache").Logger(),
	}, nil
}

// Key builds a cache key from a function name and its arguments
func Key(name string, args ...any) string {
	if len(args) == 0 {
		return name
	}
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, arg := range args {
		parts = append(parts, fmt.Sprint(arg))
	}
	return strings.Join(parts, ":")
}

// Fetch returns fresh cached data for key, joins an in-flight fetch for the
// same key, or calls fetcher. Failed fetches are never cached.
func (c *Cache) Fetch(ctx context.Context, key string, ttl time.Duration, fetcher Fetcher) (any, error) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	if value, ok := c.entries.Get(key); ok {
		item := value.(entry)
		if c.now().Sub(item.timestamp) <= ttl {
			c.mu.Unlock()
			c.metrics.CacheOperations.WithLabelValues("hit").Inc()
			return item.data, nil
		}
		c.entries.Remove(key)
		c.metrics.CacheOperations.WithLabelValues("stale").Inc()
	}

	token, leading := c.inflight[key]
	if !leading {
		c.nextToken++
		token = c.nextToken
	}
	c.mu.Unlock()

	// The shared fetch must outlive any single caller's cancellation
	fetchCtx := context.WithoutCancel(ctx)

	result := c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		c.inflight[key] = token
		c.mu.Unlock()

		c.metrics.CacheOperations.WithLabelValues("miss").Inc()
		return c.load(fetchCtx, key, token, fetcher)
	})

	select {
	case res := <-result:
		if res.Shared {
			c.metrics.CacheOperations.WithLabelValues("shared").Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load runs the fetcher and stores its result unless the key was invalidated meanwhile
func (c *Cache) load(ctx context.Context, key string, token uint64, fetcher Fetcher) (any, error) {
	ctx, span := otel.Tracer("stocksync/querycache").Start(ctx, "querycache.fetch")
	span.SetAttributes(attribute.String("cache.key", key))
	defer span.End()

	start := time.Now()
	data, err := fetcher(ctx)
	c.metrics.CacheFetchDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.inflight[key]
	valid := ok && current == token
	if valid {
		delete(c.inflight, key)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.CacheOperations.WithLabelValues("error").Inc()
		c.logger.Debug().Err(err).Str("key", key).Msg("Fetch failed, not caching")
		return nil, err
	}

	if valid {
		c.entries.Add(key, entry{data: data, timestamp: c.now()})
		c.metrics.CacheOperations.WithLabelValues("store").Inc()
	} else {
		c.logger.Debug().Str("key", key).Msg("Key invalidated during fetch, result not cached")
	}

	return data, nil
}

// Invalidate removes a key and detaches any in-flight fetch for it
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(key)
}

// InvalidateByPrefix removes every cached or in-flight key starting with prefix
func (c *Cache) InvalidateByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	matched := make(map[string]struct{})
	for _, k := range c.entries.Keys() {
		if key, ok := k.(string); ok && strings.HasPrefix(key, prefix) {
			matched[key] = struct{}{}
		}
	}
	for key := range c.inflight {
		if strings.HasPrefix(key, prefix) {
			matched[key] = struct{}{}
		}
	}

	for key := range matched {
		c.invalidateLocked(key)
	}
	return len(matched)
}

func (c *Cache) invalidateLocked(key string) {
	c.entries.Remove(key)
	delete(c.inflight, key)
	c.group.Forget(key)
	c.metrics.CacheOperations.WithLabelValues("invalidate").Inc()
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.inflight {
		c.group.Forget(key)
	}
	c.inflight = make(map[string]uint64)
	c.entries.Purge()
	c.metrics.CacheOperations.WithLabelValues("clear").Inc()
}

// Len returns the number of cached entries, including stale ones not yet evicted
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// CachedFetch is a typed wrapper around Cache.Fetch
func CachedFetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetcher func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	value, err := c.Fetch(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return fetcher(ctx)
	})
	if err != nil {
		return zero, err
	}

	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, key, value)
	}
	return typed, nil
}
