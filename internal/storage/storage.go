// Package storage persists refreshed order lists for the UI to read.
package storage

import (
	"context"
	"time"

	"github.com/nkkko/stocksync/internal/storage/badger"
	"github.com/nkkko/stocksync/pkg/proto"
)

// ErrNotFound is returned when no snapshot exists for an audience and viewer
var ErrNotFound = badger.ErrNotFound

// SnapshotStore defines the interface for order snapshot storage
type SnapshotStore interface {
	// Start runs background maintenance until ctx is done
	Start(ctx context.Context) error

	// Shutdown closes the store
	Shutdown(ctx context.Context) error

	// SaveSnapshot replaces the stored order list for the snapshot's audience and viewer
	SaveSnapshot(ctx context.Context, snapshot *proto.OrderSnapshot) error

	// GetSnapshot returns the last stored order list
	GetSnapshot(ctx context.Context, audience proto.Audience, viewerID string) (*proto.OrderSnapshot, error)

	// DeleteSnapshots removes every snapshot stored for a viewer
	DeleteSnapshots(ctx context.Context, viewerID string) (int, error)
}

// Config contains storage configuration
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

// DefaultConfig returns a default configuration
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
