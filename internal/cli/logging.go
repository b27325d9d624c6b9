package cli

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ppiankov/evidentia/internal/model"
)

// newLogger builds the process logger from the logging configuration
func newLogger(cfg model.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// printJSON writes v to stdout as indented JSON
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// banner prints a section header the way every report command does
func banner(title string) {
	os.Stderr.WriteString("\n═══════════════════════════════════════════════════════════\n")
	os.Stderr.WriteString("  " + title + "\n")
	os.Stderr.WriteString("═══════════════════════════════════════════════════════════\n\n")
}
