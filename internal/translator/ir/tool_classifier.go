package ir

import (
	"github.com/tidwall/gjson"

	"github.com/nghyane/llm-relay/internal/json"
)

// nativeToolNames is the fixed set of tools the upstream service executes
// itself. Any other name arriving on the native tool-call channel belongs
// to a client-defined tool and marks the response as misrouted.
var nativeToolNames = map[string]struct{}{
	"weather":          {},
	"search_web":       {},
	"open_url":         {},
	"image_generation": {},
	"memory":           {},
}

// IsNativeTool reports whether name is one of the upstream-native tools.
func IsNativeTool(name string) bool {
	_, ok := nativeToolNames[name]
	return ok
}

// ToolCallClassifier consumes the tool-call and tool-result sub-channels of
// one streamed response and produces a terminal ToolClassification. Each
// sub-channel has its own JSONExtractor, so fragments may arrive at any
// chunk boundary.
//
// Only the first complete, parseable tool-call object is classified; later
// objects still pass through the extractor but leave the result unchanged.
// In bounce mode (the response is itself a retry after a misroute),
// misroute detection is suppressed and every name is accepted as-is.
type ToolCallClassifier struct {
	calls   *JSONExtractor
	results *JSONExtractor

	bounceMode    bool
	classified    bool
	finalized     bool
	misroutedTool string
	result        ToolClassification
}

// NewToolCallClassifier returns a classifier for a single streamed
// response. bounceMode suppresses misroute detection.
func NewToolCallClassifier(bounceMode bool) *ToolCallClassifier {
	return &ToolCallClassifier{
		calls:      NewJSONExtractor(),
		results:    NewJSONExtractor(),
		bounceMode: bounceMode,
	}
}

// FeedToolCall consumes a fragment from the tool-call channel. It returns
// abort=true exactly once: when a misrouted tool call is detected outside
// bounce mode. The caller must then stop consuming the stream and bounce.
func (c *ToolCallClassifier) FeedToolCall(text string) bool {
	if c.result.Misrouted {
		return false
	}
	for _, obj := range c.calls.Feed(text) {
		if c.classified {
			continue
		}
		call := parseToolCall(obj)
		if call == nil {
			// Unparseable spans are dropped; the slot stays open for the
			// next complete object.
			continue
		}
		c.classified = true
		if !c.bounceMode && !IsNativeTool(call.Name) {
			c.result.Misrouted = true
			c.misroutedTool = call.Name
			return true
		}
		c.result.ToolCall = call
	}
	return false
}

// FeedToolResult consumes a fragment from the tool-result channel. Once a
// classified call has a result object carrying an explicit failure marker,
// the classification is latched as failed.
func (c *ToolCallClassifier) FeedToolResult(text string) {
	if c.finalized {
		return
	}
	for _, obj := range c.results.Feed(text) {
		if c.result.ToolCall == nil || c.result.Failed {
			continue
		}
		if resultIndicatesFailure(obj) {
			c.result.Failed = true
		}
	}
}

// Finalize seals the classification once the upstream stream has ended.
// It is not called on abort. Further result fragments are ignored.
func (c *ToolCallClassifier) Finalize() {
	c.finalized = true
}

// Result returns the terminal summary. Safe to call at any point.
func (c *ToolCallClassifier) Result() ToolClassification {
	return c.result
}

// MisroutedTool returns the name of the misrouted tool, or "" when no
// misroute was detected. The bounce retry suppresses exactly this name.
func (c *ToolCallClassifier) MisroutedTool() string {
	return c.misroutedTool
}

// parseToolCall turns one complete JSON object into a ToolCall. The
// upstream emits arguments either under "arguments" or "parameters", and
// either as an object or as a JSON-encoded string; both forms normalize to
// a parsed map. Returns nil for spans that are not valid tool calls.
func parseToolCall(obj string) *ToolCall {
	if !gjson.Valid(obj) {
		return nil
	}
	name := gjson.Get(obj, "name").String()
	if name == "" {
		return nil
	}
	args := gjson.Get(obj, "arguments")
	if !args.Exists() {
		args = gjson.Get(obj, "parameters")
	}
	return &ToolCall{Name: name, Arguments: normalizeArguments(args)}
}

func normalizeArguments(args gjson.Result) map[string]any {
	parsed := map[string]any{}
	switch {
	case args.IsObject():
		_ = json.Unmarshal([]byte(args.Raw), &parsed)
	case args.Type == gjson.String:
		if err := json.Unmarshal([]byte(args.String()), &parsed); err != nil {
			parsed = map[string]any{}
		}
	}
	return parsed
}

// resultIndicatesFailure checks a tool-result object for an explicit
// failure marker.
func resultIndicatesFailure(obj string) bool {
	if !gjson.Valid(obj) {
		return false
	}
	if status := gjson.Get(obj, "status").String(); status == "error" || status == "failed" {
		return true
	}
	errField := gjson.Get(obj, "error")
	if errField.Exists() && errField.Type != gjson.Null && errField.Type != gjson.False && errField.String() != "" {
		return true
	}
	return false
}
