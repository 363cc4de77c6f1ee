package horus

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogFormat selects a logger's output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level  zerolog.Level
	Format LogFormat
}

// NewLogger builds a zerolog.Logger with a timestamp and a "service"
// field identifying this as a HORUS process. JSON output is the default,
// suited to log aggregation; pretty console output is for local
// development.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout
	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		Level(config.Level).
		With().
		Timestamp().
		Str("service", "horus").
		Logger()
}
