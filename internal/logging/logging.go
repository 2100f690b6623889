// Package logging configures the process-wide logger and exposes the
// leveled helpers used across the codebase. Import it aliased as log:
//
//	log "github.com/nghyane/llm-relay/internal/logging"
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = logrus.StandardLogger()

// LogDirName is the directory (relative to the config dir or CWD) that
// holds rotated log files when file logging is enabled.
const LogDirName = "logs"

// SetupBaseLogger installs the default formatter and level. Call once,
// before any other logging, from the CLI entry points.
func SetupBaseLogger() {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
}

// SetDebug toggles debug-level logging.
func SetDebug(enabled bool) {
	if enabled {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	logger.SetLevel(logrus.InfoLevel)
}

// ConfigureLogOutput routes log output to a rotated file when toFile is
// true, otherwise leaves it on stderr. The log directory is created next
// to the current working directory.
func ConfigureLogOutput(toFile bool) error {
	if !toFile {
		logger.SetOutput(os.Stderr)
		return nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	dir := filepath.Join(wd, LogDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logger.SetOutput(&lumberjack.Logger{
		Filename:   filepath.Join(dir, "llm-relay.log"),
		MaxSize:    20, // MB
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
	return nil
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) { logger.SetOutput(w) }

// Debugf logs a formatted debug message.
func Debugf(format string, args ...any) { logger.Debugf(format, args...) }

// Infof logs a formatted info message.
func Infof(format string, args ...any) { logger.Infof(format, args...) }

// Warnf logs a formatted warning message.
func Warnf(format string, args ...any) { logger.Warnf(format, args...) }

// Errorf logs a formatted error message.
func Errorf(format string, args ...any) { logger.Errorf(format, args...) }

// Fatalf logs a formatted message and exits.
func Fatalf(format string, args ...any) { logger.Fatalf(format, args...) }

// Debug logs a debug message.
func Debug(args ...any) { logger.Debug(args...) }

// Info logs an info message.
func Info(args ...any) { logger.Info(args...) }

// Warn logs a warning message.
func Warn(args ...any) { logger.Warn(args...) }

// Error logs an error message.
func Error(args ...any) { logger.Error(args...) }

// WithError returns an entry with the error attached.
func WithError(err error) *logrus.Entry { return logger.WithError(err) }

// WithField returns an entry with a single field attached.
func WithField(key string, value any) *logrus.Entry { return logger.WithField(key, value) }
