// Package logging builds the zerolog loggers shared by the server, the
// sinks and the CLI.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to w at level. format is "json" or
// "console"; anything else falls back to json. An unparseable level means
// info.
func New(w io.Writer, level, format string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Component tags every event of log with the emitting component.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// AntsLogger adapts a zerolog logger to the Printf-style logger the worker
// pool expects.
type AntsLogger struct {
	Log zerolog.Logger
}

func (l AntsLogger) Printf(format string, args ...interface{}) {
	l.Log.Warn().Msgf(format, args...)
}
