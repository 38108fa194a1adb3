// Package logging builds the structured zerolog logger every broker
// component is threaded with, and a small helper for logging recovered
// panics with a stack trace.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the subset of zerolog levels the broker's config exposes.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the log sink encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config configures New.
type Config struct {
	Level  Level
	Format Format
}

// New builds a zerolog.Logger tagged with the service name, a timestamp,
// and caller info. JSON by default (Loki-compatible), console when
// Format is FormatConsole (local development).
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "psmbd").
		Logger()
}

// RecoverPanic is deferred directly by each session worker (see
// broker.runSession). It logs a recovered panic with a stack trace instead
// of letting it escape and take down the process. Defers registered after
// it run before it; those registered before it run after it.
func RecoverPanic(logger zerolog.Logger, component string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}
	event := logger.Error().
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack())).
		Str("component", component)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("recovered from panic")
}
