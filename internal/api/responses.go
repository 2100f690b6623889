package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/nghyane/llm-relay/internal/json"
	"github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/queue"
	"github.com/nghyane/llm-relay/internal/relay"
	"github.com/nghyane/llm-relay/internal/streamutil"
	"github.com/nghyane/llm-relay/internal/translator/ir"
	"github.com/nghyane/llm-relay/internal/upstream"
	"github.com/nghyane/llm-relay/internal/usage"
	"github.com/nghyane/llm-relay/internal/util"
)

// maxRequestBody caps inbound request bodies.
const maxRequestBody = 10 * 1024 * 1024

type responsesRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	Messages       json.RawMessage `json:"messages"`
	ConversationID string          `json:"conversation_id"`
	Stream         bool            `json:"stream"`
	Title          string          `json:"title"`
}

// responseCycle carries one parsed request through the serializer.
type responseCycle struct {
	req       responsesRequest
	convID    string
	model     string // client-visible id
	upstream  string // backend model name
	userTurns []ir.Turn
}

// requestObservation accumulates the usage facts for one request.
type requestObservation struct {
	start          time.Time
	model          string
	apiKey         string
	conversationID string
	transport      string

	sessionID    string
	failed       bool
	errorCode    string
	bounced      bool
	toolCalls    int64
	outputEvents int64
	result       *relay.Result
	inputTurns   []ir.Turn
}

// handleResponses serves POST /v1/responses: the serialized
// store -> upstream -> translate -> store cycle, streamed or aggregate.
func (s *Server) handleResponses(c *gin.Context) {
	start := time.Now()

	if s.translator == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "no upstream configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "cannot read request body")
		return
	}
	var req responsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.registry.Default()
	}
	if model == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}
	upstreamModel, _ := s.registry.Resolve(model)

	rawInput := req.Input
	if len(rawInput) == 0 {
		rawInput = req.Messages
	}
	userTurns, err := parseInputTurns(rawInput)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = relay.NewConversationID()
	}

	cycle := &responseCycle{
		req:       req,
		convID:    convID,
		model:     model,
		upstream:  upstreamModel,
		userTurns: userTurns,
	}
	obs := &requestObservation{
		start:          start,
		model:          model,
		apiKey:         c.GetString(ctxKeyAPIKey),
		conversationID: convID,
		transport:      string(s.Config().Upstream.Transport),
	}

	c.Header("X-Conversation-Id", convID)
	if req.Stream {
		s.streamResponse(c, cycle, obs)
	} else {
		s.completeResponse(c, cycle, obs)
	}
}

// streamResponse writes the protocol event series as SSE. The cycle runs
// as a pipeline producer while this handler drains chunks to the client,
// so a slow client eats buffer instead of stalling the upstream read.
// Failures after the first byte surface as in-band error events, never
// as a late status change.
func (s *Server) streamResponse(c *gin.Context, cycle *responseCycle, obs *requestObservation) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	pipe := streamutil.NewPipeline(c.Request.Context(), streamutil.PipelineConfig{
		OnChunk: func(chunk streamutil.Chunk) {
			if len(chunk.Data) > 0 {
				obs.outputEvents++
			}
		},
	})

	var runErr error
	pipe.Go(func(ctx context.Context) error {
		_, err := s.runCycle(ctx, cycle, obs, pipe.SendData)
		runErr = err
		return err
	})
	pipe.Start()

	flusher, _ := c.Writer.(http.Flusher)
	clientGone := false
	// Drain to channel close even after a write failure; the producer's
	// exit is only observable through it.
	for chunk := range pipe.Output() {
		if clientGone || chunk.Err != nil || len(chunk.Data) == 0 {
			continue
		}
		if _, err := c.Writer.Write(chunk.Data); err != nil {
			clientGone = true
			pipe.Cancel()
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	s.observe(obs)

	switch {
	case runErr == nil:
	case errors.Is(runErr, relay.ErrAborted), errors.Is(runErr, context.Canceled):
		logging.Debugf("responses: client went away mid-stream (conversation %s)", cycle.convID)
	default:
		// The terminal error event is already in the body.
		logging.WithError(runErr).Debugf("responses: stream failed (conversation %s)", cycle.convID)
	}
}

// completeResponse runs the cycle without event emission and returns the
// aggregate payload.
func (s *Server) completeResponse(c *gin.Context, cycle *responseCycle, obs *requestObservation) {
	result, err := s.runCycle(c.Request.Context(), cycle, obs, nil)
	s.observe(obs)
	if err != nil {
		respondUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, result.Response)
}

// runCycle executes one response cycle under the serializer: append the
// user turns, run the translator against the full history, persist the
// assistant turn, and kick the sync scheduler. A misrouted tool call
// bounces the cycle exactly once, with the offending tool suppressed on
// the retry.
func (s *Server) runCycle(ctx context.Context, cycle *responseCycle, obs *requestObservation, send func([]byte) bool) (*relay.Result, error) {
	return queue.DoValue(ctx, s.serializer, func(ctx context.Context) (*relay.Result, error) {
		s.conversations.AppendMessages(cycle.convID, cycle.userTurns)
		if title := strings.TrimSpace(cycle.req.Title); title != "" {
			s.conversations.SetTitle(cycle.convID, title)
		}
		turns := s.conversations.Turns(cycle.convID)
		obs.inputTurns = turns

		call := relay.Call{
			Request: upstream.Request{
				Model:  cycle.upstream,
				Turns:  turns,
				Stream: send != nil,
			},
			Model: cycle.model,
		}

		result, err := s.translate(ctx, call, send)
		var bounce *relay.ErrBounce
		if errors.As(err, &bounce) {
			obs.bounced = true
			logging.Infof("responses: tool %q bounced, retrying with native routing suppressed", bounce.Tool)
			retry := call
			retry.Request.SuppressTools = []string{bounce.Tool}
			retry.Bounce = true
			result, err = s.translate(ctx, retry, send)
		}
		obs.sessionID = s.lastSessionID()
		if err != nil {
			obs.failed = true
			var fail *relay.UpstreamFailure
			if errors.As(err, &fail) {
				obs.errorCode = fail.Code
			}
			return nil, err
		}

		obs.result = result
		if result.Tool.ToolCall != nil {
			obs.toolCalls = 1
		}

		if result.Text != "" {
			s.conversations.AppendMessages(cycle.convID, []ir.Turn{
				{Role: ir.RoleAssistant, Content: result.Text},
			})
		}
		if s.scheduler != nil && s.conversations.IsDirty(cycle.convID) {
			s.scheduler.NotifyDirty()
		}
		return result, nil
	})
}

func (s *Server) translate(ctx context.Context, call relay.Call, send func([]byte) bool) (*relay.Result, error) {
	if send != nil {
		return s.translator.Stream(ctx, call, send)
	}
	return s.translator.Complete(ctx, call)
}

func (s *Server) lastSessionID() string {
	if s.sessions == nil {
		return ""
	}
	return s.sessions.LastIssuedID()
}

// observe reports the finished request to the usage tracker, filling in
// token estimates when the backend did not report usage.
func (s *Server) observe(obs *requestObservation) {
	if s.tracker == nil {
		return
	}
	rec := usage.Record{
		Model:          obs.model,
		APIKey:         obs.apiKey,
		SessionID:      obs.sessionID,
		ConversationID: obs.conversationID,
		Transport:      obs.transport,
		RequestedAt:    obs.start,
		Duration:       time.Since(obs.start),
		Failed:         obs.failed,
		ErrorCode:      obs.errorCode,
		Bounced:        obs.bounced,
		ToolCalls:      obs.toolCalls,
		OutputEvents:   obs.outputEvents,
	}
	if r := obs.result; r != nil {
		in, out := r.InputTokens, r.OutputTokens
		if in == 0 {
			in = util.EstimateTurnTokens(obs.inputTurns)
		}
		if out == 0 {
			out = util.EstimateTokens(r.Text)
		}
		rec.Usage = &ir.ResponsesUsage{
			InputTokens:  in,
			OutputTokens: out,
			TotalTokens:  in + out,
		}
	}
	s.tracker.Observe(rec)
}

// parseInputTurns accepts the Responses input forms: a bare string (one
// user turn) or an array of {role, content} items, where content is a
// string or an array of text parts.
func parseInputTurns(raw []byte) ([]ir.Turn, error) {
	if len(raw) == 0 {
		return nil, errors.New("input is required")
	}
	parsed := gjson.ParseBytes(raw)
	switch {
	case parsed.Type == gjson.String:
		if strings.TrimSpace(parsed.String()) == "" {
			return nil, errors.New("input is empty")
		}
		return []ir.Turn{{Role: ir.RoleUser, Content: parsed.String()}}, nil
	case parsed.IsArray():
		items := parsed.Array()
		turns := make([]ir.Turn, 0, len(items))
		for _, item := range items {
			role := ir.Role(item.Get("role").String())
			if role == "" {
				role = ir.RoleUser
			}
			text := itemText(item)
			if text == "" {
				continue
			}
			turns = append(turns, ir.Turn{Role: role, Content: text})
		}
		if len(turns) == 0 {
			return nil, errors.New("input contains no usable turns")
		}
		return turns, nil
	}
	return nil, errors.New("input must be a string or an array of messages")
}

func itemText(item gjson.Result) string {
	content := item.Get("content")
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var b strings.Builder
		for _, part := range content.Array() {
			if t := part.Get("text"); t.Exists() {
				b.WriteString(t.String())
			}
		}
		return b.String()
	}
	return item.Get("text").String()
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// respondUpstreamError maps cycle failures onto HTTP statuses for the
// aggregate mode.
func respondUpstreamError(c *gin.Context, err error) {
	var fail *relay.UpstreamFailure
	if errors.As(err, &fail) {
		status := http.StatusBadGateway
		if fail.Code == relay.ErrorCodeUpstreamTimeout {
			status = http.StatusGatewayTimeout
		}
		respondError(c, status, fail.Code, fail.Message)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		respondError(c, http.StatusRequestTimeout, "request_canceled", "request ended before completion")
		return
	}
	respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
}
