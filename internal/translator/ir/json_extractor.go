package ir

import "strings"

// JSONExtractor pulls complete JSON objects out of an arbitrarily chunked
// text stream. It tracks brace depth together with string and escape state,
// so objects may be split across any number of Feed calls at any byte
// position, including mid-string and mid-escape. Text outside objects is
// dropped, never buffered. Malformed input never raises an error: an object
// that never closes simply stays buffered.
type JSONExtractor struct {
	buf      strings.Builder
	depth    int
	inString bool
	escaped  bool
}

// NewJSONExtractor returns an extractor with empty state.
func NewJSONExtractor() *JSONExtractor {
	return &JSONExtractor{}
}

// Feed consumes the next chunk and returns the complete JSON object strings
// that finished during this call, in order.
func (e *JSONExtractor) Feed(chunk string) []string {
	objects, _ := e.feed(chunk)
	return objects
}

// FeedWithRemainder behaves like Feed and additionally returns the trailing
// text of this chunk that sits outside any object: everything after the
// last completed object, or the whole chunk when no object is in progress.
// Callers use it to inspect non-JSON trailer text such as completion
// markers.
func (e *JSONExtractor) FeedWithRemainder(chunk string) ([]string, string) {
	return e.feed(chunk)
}

func (e *JSONExtractor) feed(chunk string) ([]string, string) {
	var objects []string

	// Start of the current outside-object run within this chunk, -1 while
	// inside an object.
	outsideStart := -1
	if e.depth == 0 {
		outsideStart = 0
	}

	for i := 0; i < len(chunk); i++ {
		c := chunk[i]

		if e.depth == 0 {
			// Outside any object only '{' matters; everything else is
			// trailer text and is dropped.
			if c == '{' {
				e.buf.Reset()
				e.buf.WriteByte(c)
				e.depth = 1
				e.inString = false
				e.escaped = false
				outsideStart = -1
			}
			continue
		}

		e.buf.WriteByte(c)

		if e.inString {
			switch {
			case e.escaped:
				e.escaped = false
			case c == '\\':
				e.escaped = true
			case c == '"':
				e.inString = false
			}
			continue
		}

		switch c {
		case '"':
			e.inString = true
		case '{':
			e.depth++
		case '}':
			e.depth--
			if e.depth == 0 {
				objects = append(objects, e.buf.String())
				e.buf.Reset()
				outsideStart = i + 1
			}
		}
	}

	remainder := ""
	if outsideStart >= 0 {
		remainder = chunk[outsideStart:]
	}
	return objects, remainder
}

// IsActive reports whether an object is currently open.
func (e *JSONExtractor) IsActive() bool {
	return e.depth > 0
}

// Buffer returns the in-progress partial object text.
func (e *JSONExtractor) Buffer() string {
	return e.buf.String()
}

// Reset clears all state.
func (e *JSONExtractor) Reset() {
	e.buf.Reset()
	e.depth = 0
	e.inString = false
	e.escaped = false
}
