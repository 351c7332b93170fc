package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a text slog.Logger on stdout based on LOG_LEVEL.
func NewLogger(levelString string) *slog.Logger {
	return NewLoggerWithFormat(levelString, "text", os.Stdout)
}

// NewLoggerWithFormat builds a logger writing either text or JSON records to the writer.
func NewLoggerWithFormat(levelString string, format string, writer io.Writer) *slog.Logger {
	handlerOptions := &slog.HandlerOptions{
		Level: ParseLevel(levelString),
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(writer, handlerOptions))
	}
	return slog.New(slog.NewTextHandler(writer, handlerOptions))
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR to slog levels, defaulting to INFO.
func ParseLevel(levelString string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelString)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops every record. Used by tests and one-shot commands.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}
