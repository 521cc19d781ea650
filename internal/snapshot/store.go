// Package snapshot persists the last-known-good pipeline data of each
// subject so a new session can render a board before its first fetch
// completes. A snapshot only ever seeds a store; the next fetch replaces it.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/internal/observability"
	"github.com/pitabwire/funnel/model"
)

// Store loads and saves snapshots keyed by subject id.
type Store interface {
	// Load returns the subject's snapshot. found is false when there is none
	// or it has expired.
	Load(ctx context.Context, subjectID string) (snap *model.Snapshot, found bool, err error)

	// Save replaces the subject's snapshot. A zero ttl never expires.
	Save(ctx context.Context, subjectID string, snap model.Snapshot, ttl time.Duration) error

	// HealthCheck reports whether the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}

// Key returns the storage key of a subject's snapshot.
func Key(subjectID string) string {
	return fmt.Sprintf("funnel:snapshot:%s", subjectID)
}

// Open builds the store selected by cfg.Driver. The returned close function
// releases any connection it opened.
func Open(ctx context.Context, cfg config.SnapshotConfig, metrics *observability.Metrics) (Store, func(), error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return Instrument(NewMemoryStore(), metrics), func() {}, nil

	case config.DriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("snapshot: %s is not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("snapshot: redis ping: %w", err)
		}
		return Instrument(NewRedisStore(client), metrics), func() { _ = client.Close() }, nil

	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("snapshot: %s is not set", cfg.DSNEnv)
		}
		pcfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: parse dsn: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			pcfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: connect: %w", err)
		}
		store := NewPgStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return Instrument(store, metrics), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("snapshot: driver %q is not supported", cfg.Driver)
}

// --- instrumentation ---

type instrumented struct {
	Store
	metrics *observability.Metrics
}

// Instrument records every load and save of s to metrics.
func Instrument(s Store, metrics *observability.Metrics) Store {
	if metrics == nil {
		return s
	}
	return &instrumented{Store: s, metrics: metrics}
}

func (s *instrumented) Load(ctx context.Context, subjectID string) (*model.Snapshot, bool, error) {
	snap, found, err := s.Store.Load(ctx, subjectID)
	switch {
	case err != nil:
		s.metrics.RecordSnapshotOperation("load", "error")
	case found:
		s.metrics.RecordSnapshotOperation("load", "hit")
	default:
		s.metrics.RecordSnapshotOperation("load", "miss")
	}
	return snap, found, err
}

func (s *instrumented) Save(ctx context.Context, subjectID string, snap model.Snapshot, ttl time.Duration) error {
	err := s.Store.Save(ctx, subjectID, snap, ttl)
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.RecordSnapshotOperation("save", result)
	return err
}
