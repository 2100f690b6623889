// Package sseutil provides shared SSE (Server-Sent Events) line processing
// for upstream backend streams. This package is designed to be imported by
// both transport and relay packages without creating circular dependencies.
package sseutil

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// Pre-allocated byte slices for zero-copy comparisons
var (
	doneMarker  = []byte("[DONE]")
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
)

// JSONPayload extracts the JSON payload from an SSE line.
// Returns nil if the line is empty, [DONE], an event: header, a comment,
// or does not start a JSON object.
func JSONPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == ':' {
		// keep-alive comment
		return nil
	}
	if bytes.Equal(trimmed, doneMarker) {
		return nil
	}
	if bytes.HasPrefix(trimmed, eventPrefix) {
		return nil
	}
	if bytes.HasPrefix(trimmed, dataPrefix) {
		trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	}
	if bytes.Equal(trimmed, doneMarker) {
		return nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	return trimmed
}

// IsDoneMarker reports whether the SSE line is the [DONE] sentinel,
// with or without a data: prefix.
func IsDoneMarker(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	if bytes.HasPrefix(trimmed, dataPrefix) {
		trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	}
	return bytes.Equal(trimmed, doneMarker)
}

// ExtractInputTokenCount reads usage.input_tokens from a lifecycle payload.
// Returns 0 when the field is absent.
func ExtractInputTokenCount(payload []byte) int64 {
	if len(payload) == 0 {
		return 0
	}
	if v := gjson.GetBytes(payload, "usage.input_tokens"); v.Exists() {
		return v.Int()
	}
	return 0
}

// ExtractOutputTokenCount reads usage.output_tokens from a lifecycle payload.
func ExtractOutputTokenCount(payload []byte) int64 {
	if len(payload) == 0 {
		return 0
	}
	if v := gjson.GetBytes(payload, "usage.output_tokens"); v.Exists() {
		return v.Int()
	}
	return 0
}
