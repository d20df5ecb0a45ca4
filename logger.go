package ably

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewConsoleLogger returns a human-readable logger suitable for
// ClientOptions.Logger.
func NewConsoleLogger(app string, level zerolog.Level) zerolog.Logger {
	return newConsoleLogger(os.Stderr, app, level)
}

func newConsoleLogger(out io.Writer, app string, level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
}
