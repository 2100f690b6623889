package usage

import "sync/atomic"

// Counters holds the lock-free totals served on the management status
// endpoint. Durable history lives in the database backend; these exist
// so a status probe never touches the database.
type Counters struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	failureCount  atomic.Int64
	bounceCount   atomic.Int64
	toolCalls     atomic.Int64
	totalTokens   atomic.Int64
}

// NewCounters creates a counter set initialized to zero.
func NewCounters() *Counters {
	return &Counters{}
}

// Record tallies one relayed request. Safe for concurrent use.
func (c *Counters) Record(failed, bounced bool, toolCalls, tokens int64) {
	if c == nil {
		return
	}
	c.totalRequests.Add(1)
	if failed {
		c.failureCount.Add(1)
	} else {
		c.successCount.Add(1)
	}
	if bounced {
		c.bounceCount.Add(1)
	}
	c.toolCalls.Add(toolCalls)
	c.totalTokens.Add(tokens)
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		TotalRequests: c.totalRequests.Load(),
		SuccessCount:  c.successCount.Load(),
		FailureCount:  c.failureCount.Load(),
		BounceCount:   c.bounceCount.Load(),
		ToolCalls:     c.toolCalls.Load(),
		TotalTokens:   c.totalTokens.Load(),
	}
}

// Bootstrap seeds the counters from persisted history so restarts do
// not reset the dashboard to zero.
func (c *Counters) Bootstrap(stats AggregatedStats) {
	if c == nil {
		return
	}
	c.totalRequests.Store(stats.TotalRequests)
	c.successCount.Store(stats.SuccessCount)
	c.failureCount.Store(stats.FailureCount)
	c.bounceCount.Store(stats.BounceCount)
	c.toolCalls.Store(stats.ToolCalls)
	c.totalTokens.Store(stats.TotalTokens)
}

// CounterSnapshot is an immutable point-in-time view of the counters.
type CounterSnapshot struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	BounceCount   int64 `json:"bounce_count"`
	ToolCalls     int64 `json:"tool_calls"`
	TotalTokens   int64 `json:"total_tokens"`
}
