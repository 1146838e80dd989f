// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File, when set, additionally receives every entry at FileLevel or
	// above as JSON lines. A run's failures end up there.
	File string

	// FileLevel defaults to warn.
	FileLevel LogLevel
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:     LevelInfo,
		Pretty:    false,
		Output:    os.Stderr,
		FileLevel: LevelWarn,
	}
}

// Setup configures the global zerolog logger. The returned function closes
// the log file, if any.
func Setup(cfg Config) (zerolog.Logger, func() error, error) {
	level := ParseLevel(cfg.Level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var console io.Writer = out
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: out}
	}

	closeFn := func() error { return nil }
	var output io.Writer = console
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return log.Logger, closeFn, fmt.Errorf("create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return log.Logger, closeFn, fmt.Errorf("open log file: %w", err)
		}
		fileLevel := cfg.FileLevel
		if fileLevel == "" {
			fileLevel = LevelWarn
		}
		output = zerolog.MultiLevelWriter(
			levelWriter{w: console, min: level},
			levelWriter{w: f, min: ParseLevel(fileLevel)},
		)
		closeFn = f.Close
		// the file may want entries below the console level
		if fl := ParseLevel(fileLevel); fl < level {
			level = fl
		}
	}

	zerolog.SetGlobalLevel(level)

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger, closeFn, nil
}

// levelWriter drops entries below min.
type levelWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (lw levelWriter) Write(p []byte) (int, error) {
	return lw.w.Write(p)
}

func (lw levelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < lw.min {
		return len(p), nil
	}
	return lw.w.Write(p)
}

// ParseLevel converts LogLevel to zerolog.Level.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Block dispatch and snapshot saves
//   - Cache operations (hit/miss, key)
//   - In-request retries
//
// Info: Normal operation events
//   - Run start and end, resume from snapshot
//   - Progress reports
//   - Logins
//   - Output written
//
// Warn: Warning conditions that don't prevent operation
//   - Failed block dispatches that will be retried
//   - Portal throttling (cool-down entered)
//   - Cache or Redis errors (fallback to local state)
//
// Error: Error conditions requiring attention
//   - Fatal request failures stopping a run
//   - Worker failures
//   - Snapshot save failures
//
// Context Fields:
//   - component: emitting package
//   - address: request address within the space
//   - block, attempt: scheduler block index and dispatch attempt
//   - error_class: error classification (client, server, rate_limit, auth, network, decode)
//   - worker, section_from, section_to: partitioned worker and its range
//   - done, total, eta: progress
