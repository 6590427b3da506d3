// Package logging configures the process logger and sanitises values before they
// reach log records.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lmittmann/tint"
)

const (
	FormatJSON   = "json"
	FormatPretty = "pretty"

	// ContentPreviewRunes bounds how much message content may appear in a log record
	ContentPreviewRunes = 64
)

// ParseLevel maps debug|info|warn|error onto slog levels. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewHandler builds a JSON handler for production or a colorized tint handler
// for local development.
func NewHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), nil
	case FormatPretty:
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		}), nil
	}
	return nil, fmt.Errorf("unknown log format %q (want %s or %s)", format, FormatJSON, FormatPretty)
}

// Setup installs the process-wide default logger and returns it.
func Setup(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	h, err := NewHandler(w, format, lvl)
	if err != nil {
		return nil, err
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, nil
}

// Redact masks a credential, keeping only its last four characters.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// Truncate shortens content to ContentPreviewRunes runes, appending an ellipsis when cut.
func Truncate(content string) string {
	if utf8.RuneCountInString(content) <= ContentPreviewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:ContentPreviewRunes]) + "…"
}
