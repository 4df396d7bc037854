// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps debug, info, warn and error. Anything else is info.
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

// Setup installs a text handler on stderr and, when file is set, a JSON
// handler appending to file. The returned func closes the file.
func Setup(level, file string) (func() error, error) {
	if file == "" {
		slog.SetDefault(New(os.Stderr, nil, ParseLevel(level)))
		return func() error { return nil }, nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", file, err)
	}
	slog.SetDefault(New(os.Stderr, f, ParseLevel(level)))
	return f.Close, nil
}

// New builds a logger writing text to stderr and JSON to file. A nil file
// gives a stderr-only logger.
func New(stderr, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	text := slog.NewTextHandler(stderr, opts)
	if file == nil {
		return slog.New(text)
	}
	return slog.New(slogmulti.Fanout(text, slog.NewJSONHandler(file, opts)))
}
