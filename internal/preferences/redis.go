package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/redis/go-redis/v9"
)

// RedisStore reads preferences stored as JSON under prefs:<userID>
type RedisStore struct {
	client   *redis.Client
	prefix   string
	defaults proto.NotificationPreferences
}

// NewRedisStore creates a new Redis-backed preference store
func NewRedisStore(redisURL string, defaults proto.NotificationPreferences) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, defaults), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, defaults proto.NotificationPreferences) *RedisStore {
	return &RedisStore{
		client:   client,
		prefix:   "prefs:",
		defaults: defaults,
	}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// Get returns the stored preferences, or the defaults when none are stored.
// Fields missing from the stored document keep their default values.
func (s *RedisStore) Get(ctx context.Context, userID string) (proto.NotificationPreferences, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return s.defaults, nil
	}
	if err != nil {
		return proto.NotificationPreferences{}, fmt.Errorf("lookup preferences: %w", err)
	}

	prefs := s.defaults
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return proto.NotificationPreferences{}, fmt.Errorf("unmarshal preferences: %w", err)
	}
	return prefs, nil
}

// Put stores preferences for a user
func (s *RedisStore) Put(ctx context.Context, userID string, prefs proto.NotificationPreferences) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	if err := s.client.Set(ctx, s.key(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
