// Package log provides the structured key/value logger used throughout the
// storage stack, matching the call signature of go-ethereum's own log
// package (Info/Warn/Error/Crit/Debug, each taking alternating key/value
// pairs) but implemented directly atop the standard library's slog, since
// the teacher's logger is itself a thin wrapper over a handler interface.
package log

import (
	"log/slog"
	"os"
)

var root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetLevel adjusts the minimum level the root logger emits.
func SetLevel(level slog.Level) {
	root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }

// Crit logs at error level and terminates the process, mirroring
// go-ethereum's log.Crit used for unrecoverable on-disk corruption.
func Crit(msg string, ctx ...any) {
	root.Error(msg, ctx...)
	os.Exit(1)
}

// New returns a logger carrying a fixed set of context key/value pairs,
// matching go-ethereum's log.New(ctx...) for component-scoped loggers.
func New(ctx ...any) *slog.Logger {
	return root.With(ctx...)
}
