package upstream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/streamutil"
)

// StreamReader wraps the upstream response body with context-aware
// cancellation and idle detection.
//
// When the context is cancelled the body is closed immediately, unblocking
// any pending Read. Idle detection goes through the shared
// streamutil.IdleWatcher rather than a per-stream timer goroutine; a
// stream that stops delivering bytes before a terminal message is closed
// and flagged, so the caller can report a timeout instead of a bare read
// error.
type StreamReader struct {
	body         io.ReadCloser
	ctx          context.Context
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
	idleTimedOut atomic.Bool
	stopWatch    chan struct{}
	touch        func()
	watchDone    func()
	name         string
}

// NewStreamReader creates a context-aware stream reader. idleTimeout <= 0
// disables idle detection.
func NewStreamReader(ctx context.Context, body io.ReadCloser, idleTimeout time.Duration, name string) *StreamReader {
	sr := &StreamReader{
		body:      body,
		ctx:       ctx,
		stopWatch: make(chan struct{}),
		name:      name,
	}

	go sr.watchContext()

	if idleTimeout > 0 {
		sr.touch, sr.watchDone = streamutil.DefaultIdleWatcher().Register(ctx, idleTimeout, func() {
			sr.idleTimedOut.Store(true)
			log.Warnf("%s: stream stalled beyond %v, closing connection", sr.name, idleTimeout)
			sr.closeWithReason("idle timeout")
		})
	}

	return sr
}

func (sr *StreamReader) watchContext() {
	select {
	case <-sr.ctx.Done():
		sr.closeWithReason("context cancelled")
	case <-sr.stopWatch:
	}
}

// Read implements io.Reader. Each successful read resets the idle clock.
func (sr *StreamReader) Read(p []byte) (int, error) {
	if sr.closed.Load() {
		return 0, io.EOF
	}

	n, err := sr.body.Read(p)
	if n > 0 && sr.touch != nil {
		sr.touch()
	}
	return n, err
}

// IdleTimedOut reports whether the idle watchdog closed this stream.
func (sr *StreamReader) IdleTimedOut() bool {
	return sr.idleTimedOut.Load()
}

func (sr *StreamReader) closeWithReason(reason string) {
	sr.closeOnce.Do(func() {
		sr.closed.Store(true)
		sr.closeErr = sr.body.Close()
		log.Debugf("%s: stream closed: %s", sr.name, reason)
	})
}

// Close implements io.Closer. Safe to call multiple times.
func (sr *StreamReader) Close() error {
	sr.closeWithReason("explicit close")
	select {
	case <-sr.stopWatch:
	default:
		close(sr.stopWatch)
	}
	if sr.watchDone != nil {
		sr.watchDone()
	}
	return sr.closeErr
}
