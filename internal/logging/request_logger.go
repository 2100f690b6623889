package logging

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nghyane/llm-relay/internal/json"
)

// RequestLogEntry captures one API request for the request log.
type RequestLogEntry struct {
	Time     time.Time `json:"time"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	Status   int       `json:"status"`
	Latency  string    `json:"latency"`
	ClientIP string    `json:"client_ip"`
	BodySize int       `json:"body_size"`
	Error    string    `json:"error,omitempty"`
}

// RequestLogger receives one entry per API request when request logging is
// enabled. Implementations that also expose SetEnabled(bool) can be toggled
// at runtime through the management API.
type RequestLogger interface {
	Log(entry RequestLogEntry)
}

// FileRequestLogger appends request entries as JSON lines to a file under
// the log directory. Disabled by default; writes are dropped while disabled.
type FileRequestLogger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	enabled atomic.Bool
}

// NewFileRequestLogger creates a request logger writing to
// <dir>/requests.jsonl. The file is opened lazily on first write.
func NewFileRequestLogger(dir string) *FileRequestLogger {
	return &FileRequestLogger{path: filepath.Join(dir, "requests.jsonl")}
}

// SetEnabled toggles request logging at runtime.
func (l *FileRequestLogger) SetEnabled(enabled bool) { l.enabled.Store(enabled) }

// Enabled reports whether entries are currently being written.
func (l *FileRequestLogger) Enabled() bool { return l.enabled.Load() }

// Log writes one entry. Errors are reported through the process logger and
// never propagated; request logging must not affect request handling.
func (l *FileRequestLogger) Log(entry RequestLogEntry) {
	if !l.enabled.Load() {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Warnf("request log: marshal failed: %v", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			Warnf("request log: %v", err)
			return
		}
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			Warnf("request log: %v", err)
			return
		}
		l.file = f
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		Warnf("request log: write failed: %v", err)
	}
}

// Close releases the underlying file.
func (l *FileRequestLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
