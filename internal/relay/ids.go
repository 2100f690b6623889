package relay

import (
	"strings"

	"github.com/google/uuid"
)

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewResponseID returns a fresh response identifier (resp_...).
func NewResponseID() string { return newID("resp_") }

// NewMessageItemID returns a fresh message output item identifier (msg_...).
func NewMessageItemID() string { return newID("msg_") }

// NewFunctionCallItemID returns a fresh function_call output item
// identifier (fc_...).
func NewFunctionCallItemID() string { return newID("fc_") }

// NewCallID returns a fresh tool call_id (call_...).
func NewCallID() string { return newID("call_") }

// NewConversationID returns a fresh conversation identifier (conv_...)
// for requests that do not name one.
func NewConversationID() string { return newID("conv_") }
