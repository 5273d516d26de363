// Package logging builds the structured loggers used across hlsclip.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// New returns a structured logger with the given level and format.
// level: "debug", "info", "warn", "error", "off" (default "info").
// format: "json" or "text" (default "text").
func New(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if strings.ToLower(format) == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	return slog.New(h)
}

// ParseLevel maps a level name onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "off":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// HCLog adapts a slog logger for libraries that take an hclog.Logger.
// Lines are written through the slog handler at debug level; level "off" yields a no-op logger.
func HCLog(name string, logger *slog.Logger, level string) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if logger == nil || strings.EqualFold(level, "off") {
		return newNoOpHCLogger(name)
	}
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}

	stdLogger := slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	return hclog.New(&hclog.LoggerOptions{
		Name:            name,
		Level:           lvl,
		Output:          stdLogger.Writer(),
		DisableTime:     true,
		IncludeLocation: false,
	})
}

func newNoOpHCLogger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.Off,
		Output: io.Discard,
	})
}
