// Package monitoring provides the service's structured logger and the
// periodic system sampler that feeds resource gauges.
package monitoring

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log formats.
const (
	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// NewLogger builds the root zerolog logger. format selects JSON (production,
// Loki-compatible) or a human console writer for development.
func NewLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if format == LogFormatPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	return logger.Level(lvl).With().
		Timestamp().
		Str("service", "relay").
		Logger()
}
