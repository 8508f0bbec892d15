package observability

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mama165/sdk-go/logs"
)

// NewLogger builds the stderr logger for level and, when logPath is set,
// copies every enabled record to that file. The returned func closes the file.
func NewLogger(level, logPath string) (*slog.Logger, func() error, error) {
	console := logs.GetLoggerFromString(level)
	if logPath == "" {
		return console, func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	handler := teeHandler{
		primary: console.Handler(),
		file:    slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	return slog.New(handler), file.Close, nil
}

// teeHandler lets the primary handler decide the level and writes to both.
type teeHandler struct {
	primary slog.Handler
	file    slog.Handler
}

func (h teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level)
}

func (h teeHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.primary.Handle(ctx, record.Clone())
	if fileErr := h.file.Handle(ctx, record); fileErr != nil {
		return fileErr
	}
	return err
}

func (h teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{primary: h.primary.WithAttrs(attrs), file: h.file.WithAttrs(attrs)}
}

func (h teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{primary: h.primary.WithGroup(name), file: h.file.WithGroup(name)}
}
