// SSE event builders for the Responses protocol. Typed structs with
// sync.Pool backing keep the per-event allocation cost low on the
// streaming hot path.
package ir

import (
	"sync"

	"github.com/nghyane/llm-relay/internal/json"
)

// Event type names emitted on the wire. Every event carries a
// sequence_number that starts at 0 for each response and increases by
// exactly one per event.
const (
	EventResponseCreated    = "response.created"
	EventResponseInProgress = "response.in_progress"
	EventOutputItemAdded    = "response.output_item.added"
	EventContentPartAdded   = "response.content_part.added"
	EventOutputTextDelta    = "response.output_text.delta"
	EventOutputTextDone     = "response.output_text.done"
	EventContentPartDone    = "response.content_part.done"
	EventOutputItemDone     = "response.output_item.done"
	EventResponseCompleted  = "response.completed"
	EventError              = "error"
)

// formatResponsesSSEBytes frames one protocol event as SSE bytes.
func formatResponsesSSEBytes(eventType string, data []byte) []byte {
	size := 7 + len(eventType) + 7 + len(data) + 2
	buf := make([]byte, 0, size)
	buf = append(buf, "event: "...)
	buf = append(buf, eventType...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf
}

// -----------------------------------------------------------------------------
// response.created / response.in_progress
// -----------------------------------------------------------------------------

// ResponsesResponseEvent is used for response.created and
// response.in_progress events.
type ResponsesResponseEvent struct {
	Type           string                      `json:"type"`
	SequenceNumber int                         `json:"sequence_number"`
	Response       ResponsesResponseEventInner `json:"response"`
}

type ResponsesResponseEventInner struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	CreatedAt int64  `json:"created_at"`
	Status    string `json:"status"`
	Model     string `json:"model,omitempty"`
}

var responsesResponseEventPool = sync.Pool{
	New: func() any {
		return &ResponsesResponseEvent{
			Response: ResponsesResponseEventInner{
				Object: "response",
			},
		}
	},
}

func GetResponsesResponseEvent() *ResponsesResponseEvent {
	return responsesResponseEventPool.Get().(*ResponsesResponseEvent)
}

func PutResponsesResponseEvent(d *ResponsesResponseEvent) {
	d.Type = ""
	d.SequenceNumber = 0
	d.Response.ID = ""
	d.Response.CreatedAt = 0
	d.Response.Status = ""
	d.Response.Model = ""
	responsesResponseEventPool.Put(d)
}

// BuildResponsesResponseEventSSE builds SSE for response.created and
// response.in_progress.
func BuildResponsesResponseEventSSE(eventType string, seqNum int, respID string, createdAt int64, status, model string) []byte {
	d := GetResponsesResponseEvent()
	defer PutResponsesResponseEvent(d)

	d.Type = eventType
	d.SequenceNumber = seqNum
	d.Response.ID = respID
	d.Response.CreatedAt = createdAt
	d.Response.Status = status
	d.Response.Model = model

	jb, _ := json.Marshal(d)
	return formatResponsesSSEBytes(eventType, jb)
}

// -----------------------------------------------------------------------------
// response.output_item.added
// -----------------------------------------------------------------------------

// ResponsesOutputItemAddedEvent is used for response.output_item.added.
type ResponsesOutputItemAddedEvent struct {
	Type           string `json:"type"`
	SequenceNumber int    `json:"sequence_number"`
	OutputIndex    int    `json:"output_index"`
	Item           any    `json:"item"` // message or function_call
}

// ResponsesMessageItem represents a message item in output_item events.
type ResponsesMessageItem struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Role    string `json:"role,omitempty"`
	Content []any  `json:"content"`
}

// ResponsesFunctionCallItem represents a function_call item in
// output_item events and in the final output array.
type ResponsesFunctionCallItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

var responsesOutputItemAddedEventPool = sync.Pool{
	New: func() any {
		return &ResponsesOutputItemAddedEvent{
			Type: EventOutputItemAdded,
		}
	},
}

func GetResponsesOutputItemAddedEvent() *ResponsesOutputItemAddedEvent {
	return responsesOutputItemAddedEventPool.Get().(*ResponsesOutputItemAddedEvent)
}

func PutResponsesOutputItemAddedEvent(d *ResponsesOutputItemAddedEvent) {
	d.SequenceNumber = 0
	d.OutputIndex = 0
	d.Item = nil
	responsesOutputItemAddedEventPool.Put(d)
}

// BuildResponsesOutputItemAddedMessageSSE builds SSE for an in-progress
// assistant message item.
func BuildResponsesOutputItemAddedMessageSSE(seqNum, outputIndex int, itemID, status string) []byte {
	d := GetResponsesOutputItemAddedEvent()
	defer PutResponsesOutputItemAddedEvent(d)

	d.SequenceNumber = seqNum
	d.OutputIndex = outputIndex
	d.Item = ResponsesMessageItem{
		ID:      itemID,
		Type:    "message",
		Status:  status,
		Role:    "assistant",
		Content: []any{},
	}

	jb, _ := json.Marshal(d)
	return formatResponsesSSEBytes(EventOutputItemAdded, jb)
}

// BuildResponsesOutputItemAddedFunctionCallSSE builds SSE for a
// function_call item.
func BuildResponsesOutputItemAddedFunctionCallSSE(seqNum, outputIndex int, itemID, callID, name, status string) []byte {
	d := GetResponsesOutputItemAddedEvent()
	defer PutResponsesOutputItemAddedEvent(d)

	d.SequenceNumber = seqNum
	d.OutputIndex = outputIndex
	d.Item = ResponsesFunctionCallItem{
		ID:     itemID,
		Type:   "function_call",
		Status: status,
		CallID: callID,
		Name:   name,
	}

	jb, _ := json.Marshal(d)
	return formatResponsesSSEBytes(EventOutputItemAdded, jb)
}

// -----------------------------------------------------------------------------
// response.content_part.added / response.content_part.done
// -----------------------------------------------------------------------------

// ResponsesOutputTextRef is the output_text content part payload.
type ResponsesOutputTextRef struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ResponsesContentPartAddedEvent is used for response.content_part.added.
type ResponsesContentPartAddedEvent struct {
	Type           string                 `json:"type"`
	SequenceNumber int                    `json:"sequence_number"`
	ItemID         string                 `json:"item_id"`
	OutputIndex    int                    `json:"output_index"`
	ContentIndex   int                    `json:"content_index"`
	Part           ResponsesOutputTextRef `json:"part"`
}

var responsesContentPartAddedEventPool = sync.Pool{
	New: func() any {
		return &ResponsesContentPartAddedEvent{
			Type: EventContentPartAdded,
			Part: ResponsesOutputTextRef{
				Type: "output_text",
			},
		}
	},
}

func GetResponsesContentPartAddedEvent() *ResponsesContentPartAddedEvent {
	return responsesContentPartAddedEventPool.Get().(*ResponsesContentPartAddedEvent)
}

func PutResponsesContentPartAddedEvent(d *ResponsesContentPartAddedEvent) {
	d.SequenceNumber = 0
	d.ItemID = ""
	d.OutputIndex = 0
	d.ContentIndex = 0
	d.Part.Text = ""
	responsesContentPartAddedEventPool.Put(d)
}

// BuildResponsesContentPartAddedSSE builds SSE for response.content_part.added.
func BuildResponsesContentPartAddedSSE(seqNum int, itemID string, outputIndex, contentIndex int) []byte {
	d := GetResponsesContentPartAddedEvent()
	defer PutResponsesContentPartAddedEvent(d)

	d.SequenceNumber = seqNum
	d.ItemID = itemID
	d.OutputIndex = outputIndex
	d.ContentIndex = contentIndex
	d.Part.Text = ""

	jb, _ := json.Marshal(d)
	return formatResponsesSSEBytes(EventContentPartAdded, jb)
}

// ResponsesContentPartDoneEvent is used for response.content_part.done.
type ResponsesContentPartDoneEvent struct {
	Type           string                 `json:"type"`
	SequenceNumber int                    `json:"sequence_number"`
	ItemID         string                 `json:"item_id"`
	OutputIndex    int                    `json:"output_index"`
	ContentIndex   int                    `json:"content_index"`
	Part           ResponsesOutputTextRef `json:"part"`
}

var responsesContentPartDoneEventPool = sync.Pool{
	New: func() any {
		return &ResponsesContentPartDoneEvent{
			Type: EventContentPartDone,
			Part: ResponsesOutputTextRef{
				Type: "output_text",
			},
		}
	},
}

func GetResponsesContentPartDoneEvent() *ResponsesContentPartDoneEvent {
	return responsesContentPartDoneEventPool.Get().(*ResponsesContentPartDoneEvent)
}

func PutResponsesContentPartDoneEvent(d *ResponsesContentPartDoneEvent) {
	d.SequenceNumber = 0
	d.ItemID = ""
	d.OutputIndex = 0
	d.ContentIndex = 0
	d.Part.Text = ""
	responsesContentPartDoneEventPool.Put(d)
}

// BuildResponsesContentPartDoneSSE builds SSE for response.content_part.done.
func BuildResponsesContentPartDoneSSE(seqNum int, itemID string, outputIndex, contentIndex int, text string) []byte {
	d := GetResponsesContentPartDoneEvent()
	defer PutResponsesContentPartDoneEvent(d)

	d.SequenceNumber = seqNum
	d.ItemID = itemID
	d.OutputIndex = outputIndex
	d.ContentIndex = contentIndex
	d.Part.Text = text

	jb, _ := json.Marshal(d)
	return formatResponsesSSEBytes(EventContentPartDone, jb)
}

// -----------------------------------------------------------------------------
// response.output_text.delta / response.output_text.done
// -----------------------------------------------------------------------------

// ResponsesTextDelta represents one incremental text event. This is the
// HOT PATH: one event per upstream text chunk.
type ResponsesTextDelta struct {
	Type           string `json:"type"`
	SequenceNumber int    `json:"sequence_number"`
	ItemID         string `json:"item_id"`
	OutputIndex    int    `json:"output_index"`
	ContentIndex   int    `json:"content_index"`
	Delta          string `json:"delta"`
}

var responsesTextDeltaPool = sync.Pool{
	New: func() any {
		return &ResponsesTextDelta{
			Type: EventOutputTextDelta,
		}
	},
}

func GetResponsesTextDelta() *ResponsesTextDelta {
	return responsesTextDeltaPool.Get().(*ResponsesTextDelta)
}

func PutResponsesTextDelta(d *ResponsesTextDelta) {
	d.SequenceNumber = 0
	d.ItemID = ""
	d.OutputIndex = 0
	d.ContentIndex = 0
	d.Delta = ""
	responsesTextDeltaPool.Put(d)
}

// BuildResponsesTextDeltaSSE builds SSE for response.output_text.delta. The
// delta carries only the new substring, never the cumulative text.
func BuildResponsesTextDeltaSSE(seqNum int, itemID string, delta string) []byte {
	d := GetResponsesTextDelta()
	defer PutResponsesTextDelta(d)

	d.SequenceNumber = seqNum
	d.ItemID = itemID
	d.Delta = delta

	jb, _ := json.Marshal(d)
	return formatResponsesSSEBytes(EventOutputTextDelta, jb)
}

// ResponsesTextDone carries the full accumulated text once the stream ends.
type ResponsesTextDone struct {
	Type           string `json:"type"`
	SequenceNumber int    `json:"sequence_number"`
	ItemID         string `json:"item_id"`
	OutputIndex    int    `json:"output_index"`
	ContentIndex   int    `json:"content_index"`
	Text           string `json:"text"`
}

var responsesTextDonePool = sync.Pool{
	New: func() any {
		return &ResponsesTextDone{
			Type: EventOutputTextDone,
		}
	},
}

func GetResponsesTextDone() *ResponsesTextDone {
	return responsesTextDonePool.Get().(*ResponsesTextDone)
}

func PutResponsesTextDone(d *ResponsesTextDone) {
	d.SequenceNumber = 0
	d.ItemID = ""
	d.OutputIndex = 0
	d.ContentIndex = 0
	d.Text = ""
	responsesTextDonePool.Put(d)
}

// BuildResponsesTextDoneSSE builds SSE for response.output_text.done.
func BuildResponsesTextDoneSSE(seqNum int, itemID string, text string) []byte {
	d := GetResponsesTextDone()
	defer PutResponsesTextDone(d)

	d.SequenceNumber = seqNum
	d.ItemID = itemID
	d.Text = text

	jb, _ := json.Marshal(d)
	return formatResponsesSSEBytes(EventOutputTextDone, jb)
}

// -----------------------------------------------------------------------------
// response.output_item.done
// -----------------------------------------------------------------------------

// ResponsesOutputItemDoneEvent is used for response.output_item.done.
type ResponsesOutputItemDoneEvent struct {
	Type           string `json:"type"`
	SequenceNumber int    `json:"sequence_number"`
	OutputIndex    int    `json:"output_index"`
	Item           any    `json:"item"`
}

var responsesOutputItemDoneEventPool = sync.Pool{
	New: func() any {
		return &ResponsesOutputItemDoneEvent{
			Type: EventOutputItemDone,
		}
	},
}

func GetResponsesOutputItemDoneEvent() *ResponsesOutputItemDoneEvent {
	return responsesOutputItemDoneEventPool.Get().(*ResponsesOutputItemDoneEvent)
}

func PutResponsesOutputItemDoneEvent(d *ResponsesOutputItemDoneEvent) {
	d.SequenceNumber = 0
	d.OutputIndex = 0
	d.Item = nil
	responsesOutputItemDoneEventPool.Put(d)
}

// BuildResponsesOutputItemDoneMessageSSE builds SSE for message completion.
func BuildResponsesOutputItemDoneMessageSSE(seqNum, outputIndex int, itemID, text string) []byte {
	d := GetResponsesOutputItemDoneEvent()
	defer PutResponsesOutputItemDoneEvent(d)

	d.SequenceNumber = seqNum
	d.OutputIndex = outputIndex
	d.Item = ResponsesMessageItem{
		ID:     itemID,
		Type:   "message",
		Status: StatusCompleted,
		Role:   "assistant",
		Content: []any{
			ResponsesOutputTextRef{Type: "output_text", Text: text},
		},
	}

	jb, _ := json.Marshal(d)
	return formatResponsesSSEBytes(EventOutputItemDone, jb)
}

// BuildResponsesOutputItemDoneFunctionCallSSE builds SSE for function_call
// completion.
func BuildResponsesOutputItemDoneFunctionCallSSE(seqNum, outputIndex int, itemID, callID, name, args string) []byte {
	d := GetResponsesOutputItemDoneEvent()
	defer PutResponsesOutputItemDoneEvent(d)

	d.SequenceNumber = seqNum
	d.OutputIndex = outputIndex
	d.Item = ResponsesFunctionCallItem{
		ID:        itemID,
		Type:      "function_call",
		Status:    StatusCompleted,
		CallID:    callID,
		Name:      name,
		Arguments: args,
	}

	jb, _ := json.Marshal(d)
	return formatResponsesSSEBytes(EventOutputItemDone, jb)
}

// -----------------------------------------------------------------------------
// response.completed
// -----------------------------------------------------------------------------

// ResponsesCompletedEvent wraps the full aggregate payload in the terminal
// response.completed event.
type ResponsesCompletedEvent struct {
	Type           string             `json:"type"`
	SequenceNumber int                `json:"sequence_number"`
	Response       *ResponsesResponse `json:"response"`
}

var responsesCompletedEventPool = sync.Pool{
	New: func() any {
		return &ResponsesCompletedEvent{
			Type: EventResponseCompleted,
		}
	},
}

func GetResponsesCompletedEvent() *ResponsesCompletedEvent {
	return responsesCompletedEventPool.Get().(*ResponsesCompletedEvent)
}

func PutResponsesCompletedEvent(d *ResponsesCompletedEvent) {
	d.SequenceNumber = 0
	d.Response = nil
	responsesCompletedEventPool.Put(d)
}

// BuildResponsesCompletedSSE builds SSE for response.completed carrying the
// complete structured response payload.
func BuildResponsesCompletedSSE(seqNum int, resp *ResponsesResponse) []byte {
	d := GetResponsesCompletedEvent()
	defer PutResponsesCompletedEvent(d)

	d.SequenceNumber = seqNum
	d.Response = resp

	jb, _ := json.Marshal(d)
	return formatResponsesSSEBytes(EventResponseCompleted, jb)
}

// -----------------------------------------------------------------------------
// error
// -----------------------------------------------------------------------------

// ResponsesErrorEvent replaces the completion tail when the upstream
// reports a terminal failure.
type ResponsesErrorEvent struct {
	Type           string `json:"type"`
	SequenceNumber int    `json:"sequence_number"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	Param          string `json:"param,omitempty"`
}

var responsesErrorEventPool = sync.Pool{
	New: func() any {
		return &ResponsesErrorEvent{
			Type: EventError,
		}
	},
}

func GetResponsesErrorEvent() *ResponsesErrorEvent {
	return responsesErrorEventPool.Get().(*ResponsesErrorEvent)
}

func PutResponsesErrorEvent(d *ResponsesErrorEvent) {
	d.SequenceNumber = 0
	d.Code = ""
	d.Message = ""
	d.Param = ""
	responsesErrorEventPool.Put(d)
}

// BuildResponsesErrorSSE builds the terminal error event with a stable code.
func BuildResponsesErrorSSE(seqNum int, code, message string) []byte {
	d := GetResponsesErrorEvent()
	defer PutResponsesErrorEvent(d)

	d.SequenceNumber = seqNum
	d.Code = code
	d.Message = message

	jb, _ := json.Marshal(d)
	return formatResponsesSSEBytes(EventError, jb)
}
