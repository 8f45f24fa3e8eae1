// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package logging builds the zerolog loggers used by the mcrcon command.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the process logger.
type Options struct {
	// Level is a zerolog level name such as "debug" or "warn". Unknown names fall back to info.
	Level string

	// Console selects human-readable output instead of JSON lines.
	Console bool

	// Out receives log output. Nil means standard error.
	Out io.Writer
}

// New creates the process logger.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("app", "mcrcon").
		Logger()
}

// Component creates a logger with a component name field.
func Component(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
