package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName tags every log line.
const ServiceName = "bootstrapperd"

// NewLogger creates a structured JSON logger on stderr. The level comes from
// BOOTSTRAPPER_LOG_LEVEL (default info); BOOTSTRAPPER_LOG_PRETTY=1 switches
// to console output.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, parseLogLevel(os.Getenv("BOOTSTRAPPER_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	var out io.Writer = os.Stderr
	if os.Getenv("BOOTSTRAPPER_LOG_PRETTY") == "1" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", ServiceName).
		Str("component", component).
		Logger()
}

// NopLogger discards everything; used when a component gets no logger.
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
