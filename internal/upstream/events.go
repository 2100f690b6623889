package upstream

import (
	"github.com/tidwall/gjson"

	"github.com/nghyane/llm-relay/internal/sseutil"
)

// Target identifies the content sub-channel of a backend message.
type Target string

const (
	TargetMessage    Target = "message"
	TargetToolCall   Target = "tool_call"
	TargetToolResult Target = "tool_result"
)

// State is a backend lifecycle marker.
type State string

const (
	StateIngesting State = "ingesting"
	StateDone      State = "done"
	StateError     State = "error"
	StateTimeout   State = "timeout"
	StateRejected  State = "rejected"
)

// Message is one decoded backend stream message. Exactly one of Target or
// State is set.
type Message struct {
	Target Target
	State  State

	// Content carries the text delta (message target) or the JSON
	// fragment (tool channels). Fragments may be partial; the extractor
	// reassembles them across message boundaries.
	Content string

	// Detail is the human-readable error/rejection description on
	// error-class lifecycle messages.
	Detail string

	// Token usage on the done lifecycle message.
	InputTokens  int64
	OutputTokens int64
}

// IsLifecycle reports whether the message is a lifecycle marker.
func (m Message) IsLifecycle() bool {
	return m.State != ""
}

// Terminal reports whether this lifecycle message ends the stream.
func (m Message) Terminal() bool {
	switch m.State {
	case StateDone, StateError, StateTimeout, StateRejected:
		return true
	}
	return false
}

// ParseMessage decodes one backend JSON payload. Payloads with an unknown
// shape return ok=false; callers skip them rather than failing the stream.
func ParseMessage(payload []byte) (Message, bool) {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return Message{}, false
	}
	parsed := gjson.ParseBytes(payload)

	if target := parsed.Get("target"); target.Exists() {
		m := Message{Target: Target(target.String())}
		switch m.Target {
		case TargetMessage, TargetToolCall, TargetToolResult:
		default:
			return Message{}, false
		}
		m.Content = parsed.Get("content").String()
		return m, true
	}

	if state := parsed.Get("state"); state.Exists() {
		m := Message{State: State(state.String())}
		switch m.State {
		case StateIngesting, StateDone, StateError, StateTimeout, StateRejected:
		default:
			return Message{}, false
		}
		m.Detail = parsed.Get("message").String()
		if m.State == StateDone {
			m.InputTokens = sseutil.ExtractInputTokenCount(payload)
			m.OutputTokens = sseutil.ExtractOutputTokenCount(payload)
		}
		return m, true
	}

	return Message{}, false
}
