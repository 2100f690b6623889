package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nghyane/llm-relay/internal/translator/ir"
)

type fakeBackend struct {
	mu      sync.Mutex
	records []RequestRecord

	global   AggregatedStats
	daily    []DailyStats
	hourly   []HourlyStats
	models   []ModelStats
	sessions []SessionStats
	errors   []ErrorStats
}

func (f *fakeBackend) Enqueue(record RequestRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
}

func (f *fakeBackend) Flush(context.Context) error { return nil }
func (f *fakeBackend) Start() error                { return nil }
func (f *fakeBackend) Stop() error                 { return nil }

func (f *fakeBackend) QueryGlobalStats(context.Context, time.Time) (*AggregatedStats, error) {
	return &f.global, nil
}
func (f *fakeBackend) QueryDailyStats(context.Context, time.Time) ([]DailyStats, error) {
	return f.daily, nil
}
func (f *fakeBackend) QueryHourlyStats(context.Context, time.Time) ([]HourlyStats, error) {
	return f.hourly, nil
}
func (f *fakeBackend) QueryModelStats(context.Context, time.Time) ([]ModelStats, error) {
	return f.models, nil
}
func (f *fakeBackend) QuerySessionStats(context.Context, time.Time) ([]SessionStats, error) {
	return f.sessions, nil
}
func (f *fakeBackend) QueryErrorStats(context.Context, time.Time) ([]ErrorStats, error) {
	return f.errors, nil
}
func (f *fakeBackend) Cleanup(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeBackend) recorded() []RequestRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RequestRecord(nil), f.records...)
}

func TestTrackerObserveNormalizesUsage(t *testing.T) {
	fb := &fakeBackend{}
	tr := NewTracker(fb)

	tr.Observe(Record{
		APIKey:    "key-1",
		SessionID: "sess-1",
		Transport: "sse",
		Bounced:   true,
		ToolCalls: 1,
		Duration:  1500 * time.Millisecond,
		Usage:     &ir.ResponsesUsage{InputTokens: 10, OutputTokens: 5},
	})

	records := fb.recorded()
	if len(records) != 1 {
		t.Fatalf("backend got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.Model != "unknown" {
		t.Errorf("empty model should record as unknown, got %q", rec.Model)
	}
	if rec.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want computed 15", rec.TotalTokens)
	}
	if rec.DurationMs != 1500 {
		t.Errorf("duration = %dms", rec.DurationMs)
	}
	if rec.RequestedAt.IsZero() {
		t.Error("missing timestamp should default to now")
	}

	c := tr.Counters()
	want := CounterSnapshot{TotalRequests: 1, SuccessCount: 1, BounceCount: 1, ToolCalls: 1, TotalTokens: 15}
	if c != want {
		t.Errorf("counters = %+v, want %+v", c, want)
	}
}

func TestTrackerObserveFailure(t *testing.T) {
	fb := &fakeBackend{}
	tr := NewTracker(fb)

	tr.Observe(Record{Model: "m1", Failed: true, ErrorCode: "upstream_timeout"})

	records := fb.recorded()
	if len(records) != 1 || !records[0].Failed || records[0].ErrorCode != "upstream_timeout" {
		t.Fatalf("failure not recorded: %+v", records)
	}
	if records[0].TotalTokens != 0 {
		t.Errorf("nil usage should record zero tokens, got %d", records[0].TotalTokens)
	}

	c := tr.Counters()
	if c.FailureCount != 1 || c.SuccessCount != 0 {
		t.Errorf("counters = %+v", c)
	}
}

func TestTrackerDisabledDropsRecords(t *testing.T) {
	fb := &fakeBackend{}
	tr := NewTracker(fb)

	tr.SetEnabled(false)
	tr.Observe(Record{Model: "m1"})
	if len(fb.recorded()) != 0 {
		t.Fatal("disabled tracker should not enqueue")
	}
	if c := tr.Counters(); c.TotalRequests != 0 {
		t.Fatalf("disabled tracker should not count, got %+v", c)
	}

	tr.SetEnabled(true)
	tr.Observe(Record{Model: "m1"})
	if len(fb.recorded()) != 1 {
		t.Fatal("re-enabled tracker should record")
	}
}

func TestTrackerBootstrapSeedsCounters(t *testing.T) {
	fb := &fakeBackend{global: AggregatedStats{
		TotalRequests: 40, SuccessCount: 36, FailureCount: 4,
		BounceCount: 3, ToolCalls: 12, TotalTokens: 9000,
	}}
	tr := NewTracker(fb)

	tr.Bootstrap(context.Background())

	c := tr.Counters()
	if c.TotalRequests != 40 || c.FailureCount != 4 || c.BounceCount != 3 || c.TotalTokens != 9000 {
		t.Errorf("counters after bootstrap = %+v", c)
	}
}

func TestTrackerSnapshot(t *testing.T) {
	fb := &fakeBackend{
		daily:    []DailyStats{{Day: "2026-08-25", Requests: 2, Tokens: 30}},
		hourly:   []HourlyStats{{Hour: 7, Requests: 2, Tokens: 30}},
		models:   []ModelStats{{Model: "m1", Requests: 2}},
		sessions: []SessionStats{{SessionID: "sess-1", Requests: 2}},
		errors:   []ErrorStats{{Code: "upstream_error", Count: 1}},
	}
	tr := NewTracker(fb)
	tr.Observe(Record{Model: "m1", Usage: &ir.ResponsesUsage{TotalTokens: 30}})

	snap, err := tr.Snapshot(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if snap.TotalRequests != 1 || snap.TotalTokens != 30 {
		t.Errorf("live counters not overlaid: %+v", snap)
	}
	if snap.RequestsByDay["2026-08-25"] != 2 || snap.TokensByDay["2026-08-25"] != 30 {
		t.Errorf("daily maps = %+v / %+v", snap.RequestsByDay, snap.TokensByDay)
	}
	if snap.RequestsByHour["07"] != 2 {
		t.Errorf("hour key should be zero padded: %+v", snap.RequestsByHour)
	}
	if len(snap.Models) != 1 || len(snap.Sessions) != 1 || len(snap.Errors) != 1 {
		t.Errorf("aggregates missing: %+v", snap)
	}
}

func TestTrackerWithoutBackend(t *testing.T) {
	tr := NewTracker(nil)
	tr.Observe(Record{Model: "m1", Usage: &ir.ResponsesUsage{TotalTokens: 5}})

	snap, err := tr.Snapshot(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if snap.TotalRequests != 1 || snap.TotalTokens != 5 {
		t.Errorf("snapshot = %+v", snap)
	}
	if err := tr.Flush(context.Background()); err != nil {
		t.Errorf("Flush without backend: %v", err)
	}
	if err := tr.Stop(); err != nil {
		t.Errorf("Stop without backend: %v", err)
	}
}
