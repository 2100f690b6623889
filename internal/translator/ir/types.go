package ir

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message in a conversation. Turns are immutable
// once appended; ordering within a conversation is significant.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolCall represents one tool invocation emitted by the upstream service,
// parsed from a complete JSON object on the tool-call channel.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolClassification is the terminal summary of one streamed response's
// tool-call channel. At most one ToolCall is ever reported: only the first
// complete tool-call object per response is classified.
type ToolClassification struct {
	ToolCall  *ToolCall
	Failed    bool
	Misrouted bool
}

// ResponseStatus values used in protocol events and aggregate payloads.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ResponsesUsage reports token accounting on the final response payload.
type ResponsesUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// ResponsesResponse is the aggregate response payload. It is returned
// directly in non-streaming mode and embedded in the response.completed
// event when streaming.
type ResponsesResponse struct {
	ID          string          `json:"id"`
	Object      string          `json:"object"`
	CreatedAt   int64           `json:"created_at"`
	CompletedAt int64           `json:"completed_at,omitempty"`
	Status      string          `json:"status"`
	Model       string          `json:"model,omitempty"`
	Output      []any           `json:"output"`
	Usage       *ResponsesUsage `json:"usage,omitempty"`
}
