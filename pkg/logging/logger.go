// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/Sternrassler/shellcache/pkg/config"
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
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// FromConfig maps the log section of the application config.
func FromConfig(c config.LogConfig) Config {
	cfg := DefaultConfig()
	if c.Level != "" {
		cfg.Level = LogLevel(c.Level)
	}
	cfg.Pretty = c.Pretty
	return cfg
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts LogLevel to zerolog.Level. Unknown levels map to info.
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

// ForRequest returns logger annotated with the request method and URL.
func ForRequest(logger zerolog.Logger, req *http.Request) zerolog.Logger {
	ctx := logger.With().Str("method", req.Method)
	if req.URL != nil {
		ctx = ctx.Str("url", req.URL.String())
	}
	return ctx.Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Strategy decisions (strategy, source)
//   - Revalidation failures
//   - Stale cache deletions
//
// Info: Normal operation events
//   - Lifecycle transitions (installing, installed, activated, redundant)
//   - Pre-cache completion
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Cache store errors (treated as misses)
//   - Failed background writes
//   - Failed stale cache deletions
//   - Retry attempts exhausted
//
// Error: Error conditions requiring attention
//   - Install failures (core asset unavailable)
//   - Configuration errors
//
// Context Fields:
//   - component: package emitting the entry
//   - worker_id: worker instance
//   - cache: current cache store name
//   - method, url: intercepted request
//   - strategy: cache-first, network-first, stale-while-revalidate, network-only
//   - source: cache, network, shell-fallback, none
