package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"log/slog"

	"github.com/fsseer/battle-sub000/internal/config"
)

// parseLevel maps the configured token onto a slog level, defaulting empty
// input to info.
func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unsupported level %q", raw)
	}
}

// newHandler builds the handler for the configured format, defaulting empty
// input to json.
func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", format)
	}
}

// New builds the engine's root logger from the configured level and format.
// Every subsystem derives its own logger from this one via With.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	handler, err := newHandler(cfg.Format, os.Stdout, &slog.HandlerOptions{Level: level})
	if err != nil {
		return nil, err
	}
	return slog.New(handler).With(slog.String("component", "battle-sub000")), nil
}
