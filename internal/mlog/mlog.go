// Package mlog wires up the mesh runtime's structured logger. Every
// long-lived component gets a child logger scoped with a "component"
// field.
package mlog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. In debug mode it writes human-readable
// console output; otherwise structured JSON to stdout.
func New(debug bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
