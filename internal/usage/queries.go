package usage

// AggregatedStats summarizes all relayed requests in a time period.
type AggregatedStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	BounceCount   int64 `json:"bounce_count"`
	ToolCalls     int64 `json:"tool_calls"`
	TotalTokens   int64 `json:"total_tokens"`
}

// DailyStats aggregates one day of requests.
type DailyStats struct {
	Day      string `json:"day"` // "2006-01-02"
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// HourlyStats aggregates one hour of the day across the period.
type HourlyStats struct {
	Hour     int   `json:"hour"` // 0-23
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

// ModelStats aggregates requests per client-visible model id.
type ModelStats struct {
	Model        string `json:"model"`
	Requests     int64  `json:"requests"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	Bounces      int64  `json:"bounces"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
}

// SessionStats aggregates requests per upstream auth session.
type SessionStats struct {
	SessionID    string `json:"session_id"`
	Requests     int64  `json:"requests"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	TotalTokens  int64  `json:"total_tokens"`
}

// ErrorStats counts failed requests per relay error code.
type ErrorStats struct {
	Code  string `json:"code"`
	Count int64  `json:"count"`
}

// Snapshot combines the live counters with database aggregates for the
// management usage endpoint.
type Snapshot struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	BounceCount   int64 `json:"bounce_count"`
	ToolCalls     int64 `json:"tool_calls"`
	TotalTokens   int64 `json:"total_tokens"`

	RequestsByDay  map[string]int64 `json:"requests_by_day,omitempty"`
	TokensByDay    map[string]int64 `json:"tokens_by_day,omitempty"`
	RequestsByHour map[string]int64 `json:"requests_by_hour,omitempty"`
	TokensByHour   map[string]int64 `json:"tokens_by_hour,omitempty"`

	Models   []ModelStats   `json:"models,omitempty"`
	Sessions []SessionStats `json:"sessions,omitempty"`
	Errors   []ErrorStats   `json:"errors,omitempty"`
}
