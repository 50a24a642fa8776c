// Package logging builds the zerolog loggers used by every robocan binary.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const EnvLogLevel = "ROBOCAN_LOG_LEVEL"

type Options struct {
	Level   string    // defaults to $ROBOCAN_LOG_LEVEL, then info
	NoColor bool
	Out     io.Writer // defaults to stderr
}

// Init builds a console logger tagged with app and installs it as the global
// zerolog logger.
func Init(app string, opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    opts.NoColor,
	}

	raw := opts.Level
	if raw == "" {
		raw = os.Getenv(EnvLogLevel)
	}
	level, ok := ParseLevel(raw)
	if !ok {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// ParseLevel accepts zerolog level names plus a few aliases. An empty or
// unknown name reports false.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
