// Package badger implements the order snapshot store on Badger.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when no snapshot is stored under a key
var ErrNotFound = errors.New("snapshot not found")

const (
	// Prefix for order snapshot keys
	prefixSnapshots = "snap:"
)

// Config contains Badger snapshot store configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Keep the database in memory only
	InMemory bool

	// Snapshots older than this expire; zero keeps them forever
	SnapshotTTL time.Duration

	// Value log garbage collection interval
	GCInterval time.Duration

	// Cache settings
	CacheEnabled    bool
	CacheSize       int
	CacheExpiration time.Duration
}

// DefaultConfig returns a default configuration for Badger-based storage
func DefaultConfig() Config {
	return Config{
		DataDir:         "./data",
		SnapshotTTL:     24 * time.Hour,
		GCInterval:      10 * time.Minute,
		CacheEnabled:    true,
		CacheSize:       64,
		CacheExpiration: 30 * time.Second,
	}
}

// Storage persists order snapshots in Badger
type Storage struct {
	config Config
	db     *badger.DB
	cache  *Cache
	logger zerolog.Logger
}

// NewStorage creates a new Storage instance using Badger
func NewStorage(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-badger").Logger()

	// Apply default configuration values if not provided
	if config.GCInterval <= 0 {
		config.GCInterval = DefaultConfig().GCInterval
	}
	if !config.InMemory && config.DataDir == "" {
		config.DataDir = DefaultConfig().DataDir
	}

	s := &Storage{
		config: config,
		logger: logger,
	}

	if err := s.initBadger(); err != nil {
		return nil, err
	}

	// Initialize cache if enabled
	if config.CacheEnabled {
		if config.CacheSize <= 0 {
			config.CacheSize = DefaultConfig().CacheSize
		}
		if config.CacheExpiration <= 0 {
			config.CacheExpiration = DefaultConfig().CacheExpiration
		}

		cache, err := NewCache(config.CacheSize, config.CacheExpiration)
		if err != nil {
			s.db.Close()
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		s.cache = cache
		s.logger.Info().
			Int("cache_size", config.CacheSize).
			Dur("cache_expiration", config.CacheExpiration).
			Msg("Cache initialized")
	}

	return s, nil
}

// initBadger initializes the Badger database
func (s *Storage) initBadger() error {
	var options badger.Options
	if s.config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(s.config.DataDir, "badger")

		// Ensure directory exists
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath)
	}
	options = options.WithLoggingLevel(badger.WARNING) // Reduce logging noise

	db, err := badger.Open(options)
	if err != nil {
		return fmt.Errorf("failed to open Badger: %w", err)
	}

	s.db = db
	return nil
}

// SnapshotKey returns the key of the snapshot for an audience and viewer
func SnapshotKey(audience proto.Audience, viewerID string) string {
	return prefixSnapshots + string(audience) + ":" + viewerID
}

// Start runs value log GC and size metrics until ctx is done
func (s *Storage) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	s.collectMetrics()

	for {
		select {
		case <-ticker.C:
			s.runGC()
			s.collectMetrics()
		case <-ctx.Done():
			return nil
		}
	}
}

// runGC reclaims value log space until Badger reports nothing to rewrite
func (s *Storage) runGC() {
	if s.config.InMemory {
		return
	}
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn().Err(err).Msg("Value log GC failed")
			}
			return
		}
	}
}

// collectMetrics reports the on-disk size of the database
func (s *Storage) collectMetrics() {
	lsm, vlog := s.db.Size()
	metrics.GetMetrics().DBSize.Set(float64(lsm + vlog))
}

// Shutdown closes the database
func (s *Storage) Shutdown(ctx context.Context) error {
	if s.cache != nil {
		s.cache.Clear()
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing Badger database")
		return err
	}
	return nil
}

// SaveSnapshot stores an order snapshot, replacing any previous one
func (s *Storage) SaveSnapshot(ctx context.Context, snapshot *proto.OrderSnapshot) error {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("save_snapshot"))
	defer timer.ObserveDuration()

	if snapshot == nil || snapshot.ViewerId == "" || snapshot.Audience == "" {
		m.StorageOperations.WithLabelValues("save_snapshot", "false").Inc()
		return fmt.Errorf("snapshot requires audience and viewer id")
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		m.StorageOperations.WithLabelValues("save_snapshot", "false").Inc()
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := SnapshotKey(snapshot.Audience, snapshot.ViewerId)
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if s.config.SnapshotTTL > 0 {
			entry = entry.WithTTL(s.config.SnapshotTTL)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("save_snapshot", "false").Inc()
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	if s.cache != nil {
		s.cache.SetSnapshot(key, snapshot)
	}

	m.StorageOperations.WithLabelValues("save_snapshot", "true").Inc()
	return nil
}

// GetSnapshot retrieves the snapshot for an audience and viewer
func (s *Storage) GetSnapshot(ctx context.Context, audience proto.Audience, viewerID string) (*proto.OrderSnapshot, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("get_snapshot"))
	defer timer.ObserveDuration()

	key := SnapshotKey(audience, viewerID)

	// Check cache first if enabled
	if s.cache != nil {
		if snapshot, found := s.cache.GetSnapshot(key); found {
			return snapshot, nil
		}
	}

	var snapshot proto.OrderSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, key)
			}
			return fmt.Errorf("failed to retrieve snapshot: %w", err)
		}

		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &snapshot); err != nil {
				return fmt.Errorf("failed to unmarshal snapshot: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("get_snapshot", "false").Inc()
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetSnapshot(key, &snapshot)
	}

	m.StorageOperations.WithLabelValues("get_snapshot", "true").Inc()
	return &snapshot, nil
}

// DeleteSnapshots removes every snapshot stored for a viewer
func (s *Storage) DeleteSnapshots(ctx context.Context, viewerID string) (int, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("delete_snapshots"))
	defer timer.ObserveDuration()

	suffix := ":" + viewerID
	var keys []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixSnapshots)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			if strings.HasSuffix(key, suffix) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("delete_snapshots", "false").Inc()
		return 0, fmt.Errorf("failed to scan snapshots: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("delete_snapshots", "false").Inc()
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}

	if s.cache != nil {
		for _, key := range keys {
			s.cache.DeleteSnapshot(key)
		}
	}

	m.StorageOperations.WithLabelValues("delete_snapshots", "true").Inc()
	return len(keys), nil
}
