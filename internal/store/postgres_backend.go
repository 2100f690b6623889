package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nghyane/llm-relay/internal/json"
	log "github.com/nghyane/llm-relay/internal/logging"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	turns      JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const postgresUpsert = `
INSERT INTO conversations (id, title, turns, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	title      = EXCLUDED.title,
	turns      = EXCLUDED.turns,
	updated_at = EXCLUDED.updated_at`

// PostgresBackend persists snapshots in a conversations table, one row
// per conversation, upserted on write.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects to dsn and ensures the schema exists.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres backend: init schema: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

// WriteSnapshots upserts all snapshots in a single batched round trip.
func (b *PostgresBackend) WriteSnapshots(ctx context.Context, snaps []Snapshot) error {
	batch := &pgx.Batch{}
	for _, snap := range snaps {
		turns, err := json.Marshal(snap.Turns)
		if err != nil {
			return fmt.Errorf("postgres backend: encode %s: %w", snap.ID, err)
		}
		batch.Queue(postgresUpsert,
			snap.ID, snap.Title, turns, timeOrNow(snap.CreatedAt), timeOrNow(snap.UpdatedAt))
	}
	results := b.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range snaps {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres backend: upsert: %w", err)
		}
	}
	return nil
}

// LoadSnapshots reads every stored conversation. A row whose turns
// payload does not parse is skipped with a warning.
func (b *PostgresBackend) LoadSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT id, title, turns, created_at, updated_at FROM conversations ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: query: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		var turns []byte
		if err := rows.Scan(&snap.ID, &snap.Title, &turns, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres backend: scan: %w", err)
		}
		if len(turns) > 0 {
			if err := json.Unmarshal(turns, &snap.Turns); err != nil {
				log.Warnf("Skipping conversation %s: bad turns payload: %v", snap.ID, err)
				continue
			}
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres backend: rows: %w", err)
	}
	return snaps, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
