package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// New builds the process logger. format is "json" or "text"; unknown
// levels fall back to info.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Attribute helpers return an empty Attr for zero input so callers can
// pass them unconditionally.

// Error creates an attribute for a single error under the key "error".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component tags a record with the emitting subsystem.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Ray identifies a visitor session by its short id.
func Ray(shortID string) slog.Attr {
	if shortID == "" {
		return slog.Attr{}
	}
	return slog.String("ray", shortID)
}

// Group names the tenant group a record belongs to.
func Group(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("group", name)
}

func Status(s string) slog.Attr {
	return slog.String("status", s)
}

func Host(h string) slog.Attr {
	return slog.String("host", h)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}
