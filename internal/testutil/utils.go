package testutil

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogger(t *testing.T) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true, TimeFormat: "15:04:05.000"}
	return zerolog.New(w).With().Timestamp().Str("test", t.Name()).Logger()
}
