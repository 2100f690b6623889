// Package usage tracks relayed requests: live counters for the status
// endpoint and batched persistence for historical queries.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/nghyane/llm-relay/internal/config"
)

// RequestRecord is the persisted row for one relayed request.
type RequestRecord struct {
	Model          string
	APIKey         string
	SessionID      string
	ConversationID string
	Transport      string
	RequestedAt    time.Time
	DurationMs     int64
	Failed         bool
	ErrorCode      string
	Bounced        bool
	ToolCalls      int64
	OutputEvents   int64
	InputTokens    int64
	OutputTokens   int64
	TotalTokens    int64
}

// Backend is the persistence contract for request records.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Enqueue adds a record to the write queue without blocking.
	Enqueue(record RequestRecord)

	// Flush forces pending records to storage.
	Flush(ctx context.Context) error

	QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error)
	QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error)
	QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error)
	QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error)
	QuerySessionStats(ctx context.Context, since time.Time) ([]SessionStats, error)
	QueryErrorStats(ctx context.Context, since time.Time) ([]ErrorStats, error)

	// Cleanup removes records older than the given time.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	// Start launches the write and cleanup workers.
	Start() error

	// Stop shuts the backend down, flushing pending writes.
	Stop() error
}

// BackendConfig holds backend initialization parameters.
type BackendConfig struct {
	// DSN selects the database (sqlite path or postgres://...).
	DSN string

	// BatchSize is the number of records batched per write.
	BatchSize int

	// FlushInterval is how often pending writes are flushed.
	FlushInterval time.Duration

	// RetentionDays is how many days of records to keep.
	RetentionDays int
}

// NewBackend creates the backend the DSN selects.
func NewBackend(cfg BackendConfig) (Backend, error) {
	parsed, err := config.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, fmt.Errorf("usage: DSN is required (sqlite path or postgres://)")
	}

	switch parsed.Backend {
	case "postgres":
		return NewPostgresBackend(parsed.URL, cfg)
	case "sqlite":
		return NewSQLiteBackend(parsed.Path, cfg)
	default:
		return nil, fmt.Errorf("usage: unknown backend type %q", parsed.Backend)
	}
}
