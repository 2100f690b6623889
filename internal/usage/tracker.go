package usage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/translator/ir"
)

// Record is what a request handler reports after a relay attempt.
type Record struct {
	Model          string
	APIKey         string
	SessionID      string
	ConversationID string
	Transport      string
	RequestedAt    time.Time
	Duration       time.Duration
	Failed         bool
	ErrorCode      string
	Bounced        bool
	ToolCalls      int64
	OutputEvents   int64
	Usage          *ir.ResponsesUsage
}

// Tracker feeds each observed request into the lock-free counters and
// the persistence backend.
type Tracker struct {
	counters *Counters
	backend  Backend
	enabled  atomic.Bool
}

// NewTracker constructs a tracker over the given backend. A nil backend
// keeps counters only.
func NewTracker(backend Backend) *Tracker {
	t := &Tracker{
		counters: NewCounters(),
		backend:  backend,
	}
	t.enabled.Store(true)
	return t
}

// SetEnabled toggles recording at runtime.
func (t *Tracker) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Enabled reports whether recording is on.
func (t *Tracker) Enabled() bool { return t.enabled.Load() }

// Observe tallies one relayed request and enqueues it for persistence.
func (t *Tracker) Observe(rec Record) {
	if t == nil || !t.enabled.Load() {
		return
	}

	timestamp := rec.RequestedAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	model := rec.Model
	if model == "" {
		model = "unknown"
	}
	input, output, total := normalizeUsage(rec.Usage)

	t.counters.Record(rec.Failed, rec.Bounced, rec.ToolCalls, total)

	if t.backend != nil {
		t.backend.Enqueue(RequestRecord{
			Model:          model,
			APIKey:         rec.APIKey,
			SessionID:      rec.SessionID,
			ConversationID: rec.ConversationID,
			Transport:      rec.Transport,
			RequestedAt:    timestamp,
			DurationMs:     rec.Duration.Milliseconds(),
			Failed:         rec.Failed,
			ErrorCode:      rec.ErrorCode,
			Bounced:        rec.Bounced,
			ToolCalls:      rec.ToolCalls,
			OutputEvents:   rec.OutputEvents,
			InputTokens:    input,
			OutputTokens:   output,
			TotalTokens:    total,
		})
	}
}

// Counters returns the live counter snapshot.
func (t *Tracker) Counters() CounterSnapshot {
	if t == nil {
		return CounterSnapshot{}
	}
	return t.counters.Snapshot()
}

// Bootstrap seeds the counters from persisted history. Call once at
// startup; failures only cost the pre-restart totals.
func (t *Tracker) Bootstrap(ctx context.Context) {
	if t == nil || t.backend == nil {
		return
	}
	stats, err := t.backend.QueryGlobalStats(ctx, time.Time{})
	if err != nil {
		log.Warnf("Could not bootstrap usage counters from history: %v", err)
		return
	}
	if stats != nil {
		t.counters.Bootstrap(*stats)
		log.Infof("Bootstrapped usage counters: %d requests, %d tokens", stats.TotalRequests, stats.TotalTokens)
	}
}

// Snapshot builds the management usage payload: live counters plus
// per-day, per-hour, per-model, per-session, and per-error aggregates
// since the given time.
func (t *Tracker) Snapshot(ctx context.Context, since time.Time) (*Snapshot, error) {
	counters := t.Counters()
	snap := &Snapshot{
		TotalRequests: counters.TotalRequests,
		SuccessCount:  counters.SuccessCount,
		FailureCount:  counters.FailureCount,
		BounceCount:   counters.BounceCount,
		ToolCalls:     counters.ToolCalls,
		TotalTokens:   counters.TotalTokens,
	}
	if t.backend == nil {
		return snap, nil
	}

	daily, err := t.backend.QueryDailyStats(ctx, since)
	if err != nil {
		return nil, err
	}
	if len(daily) > 0 {
		snap.RequestsByDay = make(map[string]int64, len(daily))
		snap.TokensByDay = make(map[string]int64, len(daily))
		for _, d := range daily {
			snap.RequestsByDay[d.Day] = d.Requests
			snap.TokensByDay[d.Day] = d.Tokens
		}
	}

	hourly, err := t.backend.QueryHourlyStats(ctx, since)
	if err != nil {
		return nil, err
	}
	if len(hourly) > 0 {
		snap.RequestsByHour = make(map[string]int64, len(hourly))
		snap.TokensByHour = make(map[string]int64, len(hourly))
		for _, h := range hourly {
			key := hourKey(h.Hour)
			snap.RequestsByHour[key] = h.Requests
			snap.TokensByHour[key] = h.Tokens
		}
	}

	if snap.Models, err = t.backend.QueryModelStats(ctx, since); err != nil {
		return nil, err
	}
	if snap.Sessions, err = t.backend.QuerySessionStats(ctx, since); err != nil {
		return nil, err
	}
	if snap.Errors, err = t.backend.QueryErrorStats(ctx, since); err != nil {
		return nil, err
	}
	return snap, nil
}

// Flush forces pending records to storage.
func (t *Tracker) Flush(ctx context.Context) error {
	if t == nil || t.backend == nil {
		return nil
	}
	return t.backend.Flush(ctx)
}

// Stop shuts down the backend, flushing pending writes.
func (t *Tracker) Stop() error {
	if t == nil || t.backend == nil {
		return nil
	}
	return t.backend.Stop()
}

func hourKey(hour int) string {
	return fmt.Sprintf("%02d", hour)
}

// normalizeUsage fills in a missing total from its parts.
func normalizeUsage(u *ir.ResponsesUsage) (input, output, total int64) {
	if u == nil {
		return 0, 0, 0
	}
	input, output, total = u.InputTokens, u.OutputTokens, u.TotalTokens
	if total == 0 {
		total = input + output
	}
	return input, output, total
}
