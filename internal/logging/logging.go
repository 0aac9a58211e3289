// Package logging builds the zerolog logger shared by all components.
package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/formtask/internal/model"
)

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New returns a logger writing to w. Format "json" emits one JSON object per
// line; anything else uses the human readable console writer.
func New(w io.Writer, cfg model.LoggingConfig) zerolog.Logger {
	out := w
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}
	return zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}
