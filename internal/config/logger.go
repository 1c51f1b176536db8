package config

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLogLevel maps debug, info, warn, error, fatal and panic to a zerolog
// level. Anything else is info.
func ParseLogLevel(lvl string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger writes JSON lines to w, or console output when pretty is set.
func NewLogger(w io.Writer, level string, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(ParseLogLevel(level)).
		With().
		Timestamp().
		Logger()
}
