package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/nghyane/llm-relay/internal/logging"
	_ "modernc.org/sqlite"
)

// SQLiteBackend persists request records in a local SQLite database.
type SQLiteBackend struct {
	db            *sql.DB
	recordChan    chan RequestRecord
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	flushInterval time.Duration
	retentionDays int
	dbPath        string
}

const (
	sqliteDefaultBatchSize         = 100
	sqliteDefaultFlushInterval     = 5 * time.Second
	sqliteDefaultRetentionDays     = 30
	sqliteDefaultChannelBufferSize = 1000
)

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS relay_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL,
		api_key TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		transport TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		failed BOOLEAN NOT NULL DEFAULT 0,
		error_code TEXT NOT NULL DEFAULT '',
		bounced BOOLEAN NOT NULL DEFAULT 0,
		tool_calls INTEGER NOT NULL DEFAULT 0,
		output_events INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_relay_requested_at ON relay_requests(requested_at);
	CREATE INDEX IF NOT EXISTS idx_relay_api_key ON relay_requests(api_key);
	CREATE INDEX IF NOT EXISTS idx_relay_model ON relay_requests(model);
	CREATE INDEX IF NOT EXISTS idx_relay_session ON relay_requests(session_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	return migrateSchema(db)
}

// migrateSchema adds columns introduced after the first release to
// databases created by older builds.
func migrateSchema(db *sql.DB) error {
	migrations := []string{
		"error_code TEXT NOT NULL DEFAULT ''",
		"output_events INTEGER NOT NULL DEFAULT 0",
	}

	for _, colDef := range migrations {
		_, err := db.Exec("ALTER TABLE relay_requests ADD COLUMN " + colDef)
		if err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration failed for [%s]: %w", colDef, err)
		}
		colName := strings.Fields(colDef)[0]
		log.Infof("Added column %s to relay_requests table", colName)
	}

	return nil
}

// NewSQLiteBackend opens (or creates) the database at dbPath. The
// backend must be started with Start() before use.
func NewSQLiteBackend(dbPath string, cfg BackendConfig) (*SQLiteBackend, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("SQLite path is required")
	}

	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// _time_format=sqlite stores timestamps in the layout the DATE() and
	// strftime() functions parse.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = sqliteDefaultBatchSize
	}

	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = sqliteDefaultFlushInterval
	}

	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = sqliteDefaultRetentionDays
	}

	return &SQLiteBackend{
		db:            db,
		recordChan:    make(chan RequestRecord, sqliteDefaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retentionDays: retentionDays,
		cleanupTicker: time.NewTicker(24 * time.Hour),
		dbPath:        dbPath,
	}, nil
}

// Start begins the write and cleanup workers.
func (b *SQLiteBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

// Stop shuts the backend down, flushing pending writes.
func (b *SQLiteBackend) Stop() error {
	if b == nil {
		return nil
	}

	var err error
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		if b.db != nil {
			err = b.db.Close()
		}
	})

	return err
}

// Enqueue adds a record to the write queue without blocking.
func (b *SQLiteBackend) Enqueue(record RequestRecord) {
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
func (b *SQLiteBackend) Flush(ctx context.Context) error {
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
func (b *SQLiteBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN bounced = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tool_calls), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM relay_requests
		WHERE requested_at >= ?
	`, since)

	var stats AggregatedStats
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount,
		&stats.BounceCount, &stats.ToolCalls, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("failed to query global stats: %w", err)
	}
	return &stats, nil
}

// QueryDailyStats returns per-day statistics since the given time.
func (b *SQLiteBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			DATE(requested_at) as day,
			COUNT(*) as requests,
			COALESCE(SUM(total_tokens), 0) as tokens
		FROM relay_requests
		WHERE requested_at >= ?
		GROUP BY DATE(requested_at)
		HAVING day IS NOT NULL
		ORDER BY day
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		var dayStr sql.NullString
		if err := rows.Scan(&dayStr, &d.Requests, &d.Tokens); err != nil {
			return nil, err
		}
		if dayStr.Valid && dayStr.String != "" {
			d.Day = dayStr.String
			results = append(results, d)
		}
	}
	return results, rows.Err()
}

// QueryHourlyStats returns per-hour-of-day statistics since the given time.
func (b *SQLiteBackend) QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			CAST(strftime('%H', requested_at) AS INTEGER) as hour,
			COUNT(*) as requests,
			COALESCE(SUM(total_tokens), 0) as tokens
		FROM relay_requests
		WHERE requested_at >= ?
		GROUP BY hour
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
func (b *SQLiteBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(model, ''), 'unknown') as model,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END) as success_count,
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END) as failure_count,
			SUM(CASE WHEN bounced = 1 THEN 1 ELSE 0 END) as bounces,
			COALESCE(SUM(input_tokens), 0) as input_tokens,
			COALESCE(SUM(output_tokens), 0) as output_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens
		FROM relay_requests
		WHERE requested_at >= ?
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
func (b *SQLiteBackend) QuerySessionStats(ctx context.Context, since time.Time) ([]SessionStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(session_id, ''), 'unknown') as session_id,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END) as success_count,
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END) as failure_count,
			COALESCE(SUM(total_tokens), 0) as total_tokens
		FROM relay_requests
		WHERE requested_at >= ?
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
func (b *SQLiteBackend) QueryErrorStats(ctx context.Context, since time.Time) ([]ErrorStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(error_code, ''), 'unknown') as code,
			COUNT(*) as count
		FROM relay_requests
		WHERE requested_at >= ? AND failed = 1
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
func (b *SQLiteBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := b.db.ExecContext(ctx, `
		DELETE FROM relay_requests WHERE requested_at < ?
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DBPath returns the filesystem path to the SQLite database.
func (b *SQLiteBackend) DBPath() string {
	if b == nil {
		return ""
	}
	return b.dbPath
}

// writeLoop continuously reads from the record channel and writes in batches.
func (b *SQLiteBackend) writeLoop() {
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

// writeBatch writes a batch of records in a single transaction.
func (b *SQLiteBackend) writeBatch(ctx context.Context, records []RequestRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO relay_requests (
			model, api_key, session_id, conversation_id, transport,
			requested_at, duration_ms, failed, error_code, bounced,
			tool_calls, output_events, input_tokens, output_tokens, total_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		_, err := stmt.ExecContext(ctx,
			record.Model,
			record.APIKey,
			record.SessionID,
			record.ConversationID,
			record.Transport,
			record.RequestedAt,
			record.DurationMs,
			record.Failed,
			record.ErrorCode,
			record.Bounced,
			record.ToolCalls,
			record.OutputEvents,
			record.InputTokens,
			record.OutputTokens,
			record.TotalTokens,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// cleanupLoop periodically removes old records based on retention policy.
func (b *SQLiteBackend) cleanupLoop() {
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
