// Package logging builds the JSON slog logger every executable starts with
// and adapts it to types.Logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"birthdaygreeter/internal/types"
)

// New returns a JSON logger writing to stdout at the named level. Unknown
// levels fall back to info.
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps debug/info/warn/error to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Adapter wraps *slog.Logger to implement types.Logger. slog.Logger already
// has Info, Error and Warn, but its With returns *slog.Logger.
type Adapter struct {
	logger *slog.Logger
}

// Adapt wraps l.
func Adapt(l *slog.Logger) *Adapter {
	return &Adapter{logger: l}
}

func (a *Adapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *Adapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *Adapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *Adapter) With(args ...any) types.Logger {
	return &Adapter{logger: a.logger.With(args...)}
}

// Slog returns the wrapped logger.
func (a *Adapter) Slog() *slog.Logger { return a.logger }

// Discard returns a types.Logger that drops everything. Used by tests.
func Discard() types.Logger {
	return &Adapter{logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}
