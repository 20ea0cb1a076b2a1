// Package logging builds the structured zerolog logger this module's
// binaries and library code share, grounded on
// _examples/adred-codev-ws_poc/ws/internal/shared/monitoring/logger.go's Loki-oriented setup.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output format for New.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text, pretty
}

// New builds a logger tagged with service="fdbus". JSON output is the
// default (Loki-friendly); "pretty" switches to a human-readable console
// writer for local development.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().Timestamp().Str("service", "fdbus").Logger()
}

// RecoverPanic is a defer-recover helper for long-running goroutines: when
// deferred, it logs a recovered panic with its stack so one goroutine's
// panic doesn't bring the process down. Grounded on
// _examples/adred-codev-ws_poc/ws/internal/shared/monitoring/logger.go's RecoverPanic.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic", r).
			Str("stack", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
