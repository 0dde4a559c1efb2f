package storage

import (
	"github.com/nkkko/stocksync/internal/storage/badger"
)

// StorageType represents the type of storage implementation to use
type StorageType string

const (
	// BadgerStorage persists snapshots on disk
	BadgerStorage StorageType = "badger"

	// MemoryStorage keeps snapshots in an in-memory Badger instance
	MemoryStorage StorageType = "memory"
)

// FactoryConfig contains configuration for the storage factory
type FactoryConfig struct {
	// Storage type to create
	Type StorageType

	// Basic configuration
	Config Config
}

// DefaultFactoryConfig returns the default factory configuration
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		Type:   BadgerStorage,
		Config: DefaultConfig(),
	}
}

// NewStorage creates a new snapshot store from a basic configuration
func NewStorage(config Config) (SnapshotStore, error) {
	return badger.NewStorage(toBadgerConfig(config))
}

// CreateStorage creates a snapshot store based on the factory configuration
func CreateStorage(config FactoryConfig) (SnapshotStore, error) {
	switch config.Type {
	case MemoryStorage:
		badgerConfig := toBadgerConfig(config.Config)
		badgerConfig.InMemory = true
		return badger.NewStorage(badgerConfig)

	default:
		// Default to on-disk Badger storage
		return NewStorage(config.Config)
	}
}

func toBadgerConfig(config Config) badger.Config {
	return badger.Config{
		DataDir:         config.DataDir,
		InMemory:        config.InMemory,
		SnapshotTTL:     config.SnapshotTTL,
		GCInterval:      config.GCInterval,
		CacheEnabled:    config.CacheEnabled,
		CacheSize:       config.CacheSize,
		CacheExpiration: config.CacheExpiration,
	}
}
