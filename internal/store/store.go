// Package store opens the counter store selected by configuration.
package store

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/activitysync/internal/config"
	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/JonMunkholm/activitysync/internal/store/postgres"
	"github.com/JonMunkholm/activitysync/internal/store/sqlite"
)

// Counters is a core.Store that holds resources until closed.
type Counters interface {
	core.Store
	Close() error
}

// Open returns the store named by cfg.Driver, migrated and ready for use.
func Open(ctx context.Context, cfg config.StorageConfig) (Counters, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		s := postgres.New(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.DriverMemory:
		return memory{core.NewMemoryStore()}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}

// memory adapts the in-memory store to Counters.
type memory struct {
	*core.MemoryStore
}

func (memory) Close() error { return nil }
