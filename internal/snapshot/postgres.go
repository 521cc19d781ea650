package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/funnel/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS funnel_snapshots (
	subject_id TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	taken_at   TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
)`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL snapshot store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the snapshot table when it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create funnel_snapshots: %w", err)
	}
	return nil
}

// Load implements Store. Expired rows are treated as missing.
func (s *PgStore) Load(ctx context.Context, subjectID string) (*model.Snapshot, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT payload
		FROM funnel_snapshots
		WHERE subject_id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		subjectID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, true, nil
}

// Save implements Store.
func (s *PgStore) Save(ctx context.Context, subjectID string, snap model.Snapshot, ttl time.Duration) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO funnel_snapshots (subject_id, payload, taken_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			taken_at = EXCLUDED.taken_at,
			expires_at = EXCLUDED.expires_at`,
		subjectID, payload, snap.TakenAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// HealthCheck implements Store.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}
