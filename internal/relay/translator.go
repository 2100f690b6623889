// Package relay turns upstream backend streams into Responses protocol
// output: a sequenced SSE event series in streaming mode, or a single
// aggregate payload otherwise. It owns the abort/bounce behavior for
// misrouted tool calls.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nghyane/llm-relay/internal/json"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/translator/ir"
	"github.com/nghyane/llm-relay/internal/upstream"
)

// Stable error codes carried on terminal protocol error events.
const (
	ErrorCodeUpstreamError    = "upstream_error"
	ErrorCodeUpstreamTimeout  = "upstream_timeout"
	ErrorCodeUpstreamRejected = "upstream_rejected"
)

// ErrAborted reports that the client sink stopped accepting events before
// the response completed. Nothing further should be written.
var ErrAborted = errors.New("response aborted before completion")

// ErrBounce signals a misrouted client-defined tool call. The stream was
// stopped and nothing more will be emitted for this attempt; the caller
// retries the same turn once with Tool suppressed.
type ErrBounce struct {
	Tool string
}

func (e *ErrBounce) Error() string {
	return fmt.Sprintf("tool call %q misrouted through the native channel", e.Tool)
}

// UpstreamFailure is a terminal upstream failure. In streaming mode the
// matching protocol error event has already been emitted when this is
// returned.
type UpstreamFailure struct {
	Code    string
	Message string
	Err     error
}

func (e *UpstreamFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *UpstreamFailure) Unwrap() error { return e.Err }

// StreamOpener opens one backend stream per call. *upstream.Client
// implements it; tests substitute scripted sources.
type StreamOpener interface {
	Open(ctx context.Context, req upstream.Request) (upstream.Source, error)
}

// Call describes one response cycle.
type Call struct {
	// Request is sent upstream as-is, including any suppressed tools on a
	// bounce retry.
	Request upstream.Request

	// Model is the client-visible model id echoed in protocol events.
	Model string

	// Bounce marks this call as a retry after a misroute; misroute
	// detection is suppressed so the same tool cannot bounce twice.
	Bounce bool
}

// Result summarizes one completed response.
type Result struct {
	Response     *ir.ResponsesResponse
	Text         string
	Tool         ir.ToolClassification
	InputTokens  int64
	OutputTokens int64
}

// Translator drives upstream calls and emits the protocol event series.
type Translator struct {
	opener StreamOpener
}

// NewTranslator returns a translator over the given stream opener.
func NewTranslator(opener StreamOpener) *Translator {
	return &Translator{opener: opener}
}

// Stream runs one streamed response cycle. send receives each framed SSE
// event in order and returns false to stop the stream (client gone). The
// emitted sequence numbers start at 0 and are gapless for this response.
func (t *Translator) Stream(ctx context.Context, call Call, send func([]byte) bool) (*Result, error) {
	return t.run(ctx, call, send)
}

// Complete runs the same state machine without emitting events and
// returns only the final aggregate.
func (t *Translator) Complete(ctx context.Context, call Call) (*Result, error) {
	return t.run(ctx, call, nil)
}

func (t *Translator) run(ctx context.Context, call Call, send func([]byte) bool) (*Result, error) {
	s := newResponseState(call.Model, send)

	src, err := t.opener.Open(ctx, call.Request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.fail(ErrorCodeUpstreamError, "upstream connection failed", err)
	}
	defer src.Close()

	classifier := ir.NewToolCallClassifier(call.Bounce)
	var usageIn, usageOut int64

recv:
	for {
		msg, err := src.Recv()
		if err != nil {
			if err == io.EOF {
				// Stream ended without a done marker; keep what arrived.
				break recv
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, upstream.ErrIdleTimeout) {
				return nil, s.fail(ErrorCodeUpstreamTimeout, "upstream stream stalled", err)
			}
			return nil, s.fail(ErrorCodeUpstreamError, "upstream stream failed", err)
		}

		if msg.IsLifecycle() {
			switch msg.State {
			case upstream.StateIngesting:
				// Generation acknowledged; nothing to emit yet.
			case upstream.StateDone:
				usageIn, usageOut = msg.InputTokens, msg.OutputTokens
				break recv
			case upstream.StateError:
				return nil, s.fail(ErrorCodeUpstreamError, detailOr(msg.Detail, "upstream reported an error"), nil)
			case upstream.StateTimeout:
				return nil, s.fail(ErrorCodeUpstreamTimeout, detailOr(msg.Detail, "upstream timed out"), nil)
			case upstream.StateRejected:
				return nil, s.fail(ErrorCodeUpstreamRejected, detailOr(msg.Detail, "upstream rejected the request"), nil)
			}
			continue
		}

		if msg.Content == "" {
			continue
		}

		switch msg.Target {
		case upstream.TargetMessage:
			if !s.ensureStarted() {
				return nil, ErrAborted
			}
			s.text.WriteString(msg.Content)
			delta := msg.Content
			if !s.emit(func(seq int) []byte {
				return ir.BuildResponsesTextDeltaSSE(seq, s.msgItemID, delta)
			}) {
				return nil, ErrAborted
			}
		case upstream.TargetToolCall:
			if classifier.FeedToolCall(msg.Content) {
				tool := classifier.MisroutedTool()
				log.Debugf("relay: tool %q misrouted, aborting stream for bounce", tool)
				return nil, &ErrBounce{Tool: tool}
			}
			if tc := classifier.Result().ToolCall; tc != nil {
				if !s.noteFunctionCall(tc) {
					return nil, ErrAborted
				}
			}
		case upstream.TargetToolResult:
			classifier.FeedToolResult(msg.Content)
		}
	}

	classifier.Finalize()
	return t.finish(s, classifier.Result(), usageIn, usageOut)
}

// finish emits the completion tail and builds the aggregate payload.
func (t *Translator) finish(s *responseState, tc ir.ToolClassification, usageIn, usageOut int64) (*Result, error) {
	fullText := s.text.String()

	// Empty responses still produce the complete event series.
	if !s.ensureStarted() {
		return nil, ErrAborted
	}

	ok := s.emit(func(seq int) []byte {
		return ir.BuildResponsesTextDoneSSE(seq, s.msgItemID, fullText)
	}) && s.emit(func(seq int) []byte {
		return ir.BuildResponsesContentPartDoneSSE(seq, s.msgItemID, 0, 0, fullText)
	}) && s.emit(func(seq int) []byte {
		return ir.BuildResponsesOutputItemDoneMessageSSE(seq, 0, s.msgItemID, fullText)
	})
	if !ok {
		return nil, ErrAborted
	}

	var args string
	if tc.ToolCall != nil {
		args = encodeArguments(tc.ToolCall.Arguments)
		if !s.noteFunctionCall(tc.ToolCall) {
			return nil, ErrAborted
		}
		if !s.emit(func(seq int) []byte {
			return ir.BuildResponsesOutputItemDoneFunctionCallSSE(seq, 1, s.fnItemID, s.callID, tc.ToolCall.Name, args)
		}) {
			return nil, ErrAborted
		}
	}

	resp := s.buildResponse(fullText, tc, args, usageIn, usageOut)
	if !s.emit(func(seq int) []byte {
		return ir.BuildResponsesCompletedSSE(seq, resp)
	}) {
		return nil, ErrAborted
	}

	return &Result{
		Response:     resp,
		Text:         fullText,
		Tool:         tc,
		InputTokens:  usageIn,
		OutputTokens: usageOut,
	}, nil
}

// responseState tracks one response's identifiers, accumulated text, and
// event sequencing.
type responseState struct {
	respID    string
	msgItemID string
	fnItemID  string
	callID    string
	createdAt int64
	model     string

	seq     int
	started bool
	text    strings.Builder

	streaming bool
	send      func([]byte) bool
}

func newResponseState(model string, send func([]byte) bool) *responseState {
	return &responseState{
		respID:    NewResponseID(),
		msgItemID: NewMessageItemID(),
		createdAt: time.Now().Unix(),
		model:     model,
		streaming: send != nil,
		send:      send,
	}
}

// emit builds and sends one protocol event. Aggregate mode skips event
// construction entirely. The sequence number is consumed only when the
// event is actually built, so the series stays gapless.
func (s *responseState) emit(build func(seq int) []byte) bool {
	if !s.streaming {
		return true
	}
	if !s.send(build(s.seq)) {
		return false
	}
	s.seq++
	return true
}

// ensureStarted emits the opening event run (created, in_progress, message
// item added, content part added) exactly once, deferred until the first
// event-worthy moment so a misroute detected before any output bounces
// without a single byte reaching the client.
func (s *responseState) ensureStarted() bool {
	if !s.streaming || s.started {
		return true
	}
	s.started = true
	return s.emit(func(seq int) []byte {
		return ir.BuildResponsesResponseEventSSE(ir.EventResponseCreated, seq, s.respID, s.createdAt, ir.StatusInProgress, s.model)
	}) && s.emit(func(seq int) []byte {
		return ir.BuildResponsesResponseEventSSE(ir.EventResponseInProgress, seq, s.respID, s.createdAt, ir.StatusInProgress, s.model)
	}) && s.emit(func(seq int) []byte {
		return ir.BuildResponsesOutputItemAddedMessageSSE(seq, 0, s.msgItemID, ir.StatusInProgress)
	}) && s.emit(func(seq int) []byte {
		return ir.BuildResponsesContentPartAddedSSE(seq, s.msgItemID, 0, 0)
	})
}

// noteFunctionCall assigns the function_call item identifiers on first
// sight of a classified native call and emits its added event. Idempotent.
func (s *responseState) noteFunctionCall(tc *ir.ToolCall) bool {
	if s.fnItemID != "" {
		return true
	}
	s.fnItemID = NewFunctionCallItemID()
	s.callID = NewCallID()
	if !s.ensureStarted() {
		return false
	}
	return s.emit(func(seq int) []byte {
		return ir.BuildResponsesOutputItemAddedFunctionCallSSE(seq, 1, s.fnItemID, s.callID, tc.Name, ir.StatusInProgress)
	})
}

// fail renders one terminal error event in streaming mode and returns the
// typed failure. A failure before any emitted event yields a lone error
// event with sequence number 0.
func (s *responseState) fail(code, message string, cause error) error {
	_ = s.emit(func(seq int) []byte {
		return ir.BuildResponsesErrorSSE(seq, code, message)
	})
	return &UpstreamFailure{Code: code, Message: message, Err: cause}
}

func (s *responseState) buildResponse(text string, tc ir.ToolClassification, args string, usageIn, usageOut int64) *ir.ResponsesResponse {
	output := []any{
		ir.ResponsesMessageItem{
			ID:     s.msgItemID,
			Type:   "message",
			Status: ir.StatusCompleted,
			Role:   "assistant",
			Content: []any{
				ir.ResponsesOutputTextRef{Type: "output_text", Text: text},
			},
		},
	}
	if tc.ToolCall != nil {
		status := ir.StatusCompleted
		if tc.Failed {
			status = ir.StatusFailed
		}
		output = append(output, ir.ResponsesFunctionCallItem{
			ID:        s.fnItemID,
			Type:      "function_call",
			Status:    status,
			CallID:    s.callID,
			Name:      tc.ToolCall.Name,
			Arguments: args,
		})
	}

	resp := &ir.ResponsesResponse{
		ID:          s.respID,
		Object:      "response",
		CreatedAt:   s.createdAt,
		CompletedAt: time.Now().Unix(),
		Status:      ir.StatusCompleted,
		Model:       s.model,
		Output:      output,
	}
	if usageIn > 0 || usageOut > 0 {
		resp.Usage = &ir.ResponsesUsage{
			InputTokens:  usageIn,
			OutputTokens: usageOut,
			TotalTokens:  usageIn + usageOut,
		}
	}
	return resp
}

func encodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func detailOr(detail, fallback string) string {
	if detail != "" {
		return detail
	}
	return fallback
}
