package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/nghyane/llm-relay/internal/logging"
)

// PostgresBackend persists request records in PostgreSQL via pgx.
type PostgresBackend struct {
	pool          *pgxpool.Pool
	recordChan    chan RequestRecord
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	flushInterval time.Duration
	retentionDays int
}

const (
	pgDefaultBatchSize         = 100
	pgDefaultFlushInterval     = 5 * time.Second
	pgDefaultRetentionDays     = 30
	pgDefaultChannelBufferSize = 1000
)

// NewPostgresBackend connects to PostgreSQL and ensures the schema.
// The backend must be started with Start() before use.
func NewPostgresBackend(dsn string, cfg BackendConfig) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := ensurePostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = pgDefaultBatchSize
	}

	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = pgDefaultFlushInterval
	}

	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = pgDefaultRetentionDays
	}

	return &PostgresBackend{
		pool:          pool,
		recordChan:    make(chan RequestRecord, pgDefaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retentionDays: retentionDays,
		cleanupTicker: time.NewTicker(24 * time.Hour),
	}, nil
}

func ensurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
	CREATE TABLE IF NOT EXISTS relay_requests (
		id BIGSERIAL PRIMARY KEY,
		model TEXT NOT NULL,
		api_key TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		transport TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		failed BOOLEAN NOT NULL DEFAULT FALSE,
		error_code TEXT NOT NULL DEFAULT '',
		bounced BOOLEAN NOT NULL DEFAULT FALSE,
		tool_calls BIGINT NOT NULL DEFAULT 0,
		output_events BIGINT NOT NULL DEFAULT 0,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_relay_requested_at ON relay_requests(requested_at);
	CREATE INDEX IF NOT EXISTS idx_relay_api_key ON relay_requests(api_key);
	CREATE INDEX IF NOT EXISTS idx_relay_model ON relay_requests(model);
	CREATE INDEX IF NOT EXISTS idx_relay_session ON relay_requests(session_id);
	`

	_, err := pool.Exec(ctx, schema)
	return err
}

// Start begins the write and cleanup workers.
func (b *PostgresBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

// Stop shuts the backend down, flushing pending writes.
func (b *PostgresBackend) Stop() error {
	if b == nil {
		return nil
	}

	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		if b.pool != nil {
			b.pool.Close()
		}
	})

	return nil
}

// Enqueue adds a record to the write queue without blocking.
func (b *PostgresBackend) Enqueue(record RequestRecord) {
	if b == nil {
		return
	}
	select {
	case b.recordChan <- record:
	default:
		log.Warnf("Usage persistence queue full, dropping record for model %s", record.Model)
	}
}

// Flush forces pending records to storage.
func (b *PostgresBackend) Flush(ctx context.Context) error {
	if b == nil {
		return nil
	}

	batch := make([]RequestRecord, 0, b.batchSize)
	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				if err := b.writeBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				return b.writeBatch(ctx, batch)
			}
			return nil
		}
	}
}

// QueryGlobalStats returns aggregate statistics since the given time.
func (b *PostgresBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed = false THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = true THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN bounced = true THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tool_calls), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM relay_requests
		WHERE requested_at >= $1
	`, since)

	var stats AggregatedStats
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount,
		&stats.BounceCount, &stats.ToolCalls, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("failed to query global stats: %w", err)
	}
	return &stats, nil
}

// QueryDailyStats returns per-day statistics since the given time.
func (b *PostgresBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			DATE(requested_at)::TEXT as day,
			COUNT(*) as requests,
			COALESCE(SUM(total_tokens), 0) as tokens
		FROM relay_requests
		WHERE requested_at >= $1
		GROUP BY DATE(requested_at)
		ORDER BY day
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Day, &d.Requests, &d.Tokens); err != nil {
			return nil, err
		}
		if d.Day != "" {
			results = append(results, d)
		}
	}
	return results, rows.Err()
}

// QueryHourlyStats returns per-hour-of-day statistics since the given time.
func (b *PostgresBackend) QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			EXTRACT(HOUR FROM requested_at)::INTEGER as hour,
			COUNT(*) as requests,
			COALESCE(SUM(total_tokens), 0) as tokens
		FROM relay_requests
		WHERE requested_at >= $1
		GROUP BY EXTRACT(HOUR FROM requested_at)
		ORDER BY hour
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly stats: %w", err)
	}
	defer rows.Close()

	var results []HourlyStats
	for rows.Next() {
		var h HourlyStats
		if err := rows.Scan(&h.Hour, &h.Requests, &h.Tokens); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// QueryModelStats returns per-model statistics since the given time.
func (b *PostgresBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(model, ''), 'unknown') as model,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = false THEN 1 ELSE 0 END) as success_count,
			SUM(CASE WHEN failed = true THEN 1 ELSE 0 END) as failure_count,
			SUM(CASE WHEN bounced = true THEN 1 ELSE 0 END) as bounces,
			COALESCE(SUM(input_tokens), 0) as input_tokens,
			COALESCE(SUM(output_tokens), 0) as output_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens
		FROM relay_requests
		WHERE requested_at >= $1
		GROUP BY model
		ORDER BY requests DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query model stats: %w", err)
	}
	defer rows.Close()

	var results []ModelStats
	for rows.Next() {
		var ms ModelStats
		if err := rows.Scan(
			&ms.Model, &ms.Requests, &ms.SuccessCount, &ms.FailureCount, &ms.Bounces,
			&ms.InputTokens, &ms.OutputTokens, &ms.TotalTokens,
		); err != nil {
			return nil, err
		}
		results = append(results, ms)
	}
	return results, rows.Err()
}

// QuerySessionStats returns per-auth-session statistics since the given time.
func (b *PostgresBackend) QuerySessionStats(ctx context.Context, since time.Time) ([]SessionStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(session_id, ''), 'unknown') as session_id,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = false THEN 1 ELSE 0 END) as success_count,
			SUM(CASE WHEN failed = true THEN 1 ELSE 0 END) as failure_count,
			COALESCE(SUM(total_tokens), 0) as total_tokens
		FROM relay_requests
		WHERE requested_at >= $1
		GROUP BY session_id
		ORDER BY requests DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query session stats: %w", err)
	}
	defer rows.Close()

	var results []SessionStats
	for rows.Next() {
		var ss SessionStats
		if err := rows.Scan(&ss.SessionID, &ss.Requests, &ss.SuccessCount, &ss.FailureCount, &ss.TotalTokens); err != nil {
			return nil, err
		}
		results = append(results, ss)
	}
	return results, rows.Err()
}

// QueryErrorStats counts failed requests per error code since the given time.
func (b *PostgresBackend) QueryErrorStats(ctx context.Context, since time.Time) ([]ErrorStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(error_code, ''), 'unknown') as code,
			COUNT(*) as count
		FROM relay_requests
		WHERE requested_at >= $1 AND failed = true
		GROUP BY code
		ORDER BY count DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query error stats: %w", err)
	}
	defer rows.Close()

	var results []ErrorStats
	for rows.Next() {
		var es ErrorStats
		if err := rows.Scan(&es.Code, &es.Count); err != nil {
			return nil, err
		}
		results = append(results, es)
	}
	return results, rows.Err()
}

// Cleanup removes records older than the given time.
func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := b.pool.Exec(ctx, `
		DELETE FROM relay_requests WHERE requested_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// writeLoop continuously reads from the record channel and writes in batches.
func (b *PostgresBackend) writeLoop() {
	defer b.wg.Done()

	batch := make([]RequestRecord, 0, b.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := b.writeBatch(ctx, batch); err != nil {
			log.Errorf("Failed to write usage batch: %v", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-b.flushTicker.C:
			flush()
		case <-b.stopChan:
			for {
				select {
				case record := <-b.recordChan:
					batch = append(batch, record)
					if len(batch) >= b.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch writes a batch of records using CopyFrom for throughput.
func (b *PostgresBackend) writeBatch(ctx context.Context, records []RequestRecord) error {
	if len(records) == 0 {
		return nil
	}

	columns := []string{
		"model", "api_key", "session_id", "conversation_id", "transport",
		"requested_at", "duration_ms", "failed", "error_code", "bounced",
		"tool_calls", "output_events", "input_tokens", "output_tokens", "total_tokens",
	}

	_, err := b.pool.CopyFrom(
		ctx,
		pgx.Identifier{"relay_requests"},
		columns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{
				r.Model,
				r.APIKey,
				r.SessionID,
				r.ConversationID,
				r.Transport,
				r.RequestedAt,
				r.DurationMs,
				r.Failed,
				r.ErrorCode,
				r.Bounced,
				r.ToolCalls,
				r.OutputEvents,
				r.InputTokens,
				r.OutputTokens,
				r.TotalTokens,
			}, nil
		}),
	)

	if err != nil {
		return fmt.Errorf("failed to copy records: %w", err)
	}

	return nil
}

// cleanupLoop periodically removes old records based on retention policy.
func (b *PostgresBackend) cleanupLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.cleanupTicker.C:
			cutoffTime := time.Now().AddDate(0, 0, -b.retentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
			rowsDeleted, err := b.Cleanup(ctx, cutoffTime)
			cancel()
			if err != nil {
				log.Errorf("Failed to cleanup old usage records: %v", err)
			} else if rowsDeleted > 0 {
				log.Infof("Cleaned up %d usage records older than %d days", rowsDeleted, b.retentionDays)
			}
		case <-b.stopChan:
			return
		}
	}
}
