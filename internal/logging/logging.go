// Package logging sets up structured logging, grounded on the
// teacher's log/slog usage throughout internal/cmd and
// internal/transport. The teacher logs straight to stderr via the
// slog default handler; AHA adds rotation via lumberjack for the
// durable nexus log directory, where a long-running leader process
// otherwise accumulates an unbounded file.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup.
type Options struct {
	// Level is the minimum level logged; defaults to slog.LevelInfo.
	Level slog.Leveler
	// FilePath, if non-empty, additionally writes logs to a
	// lumberjack-rotated file at this path alongside stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup installs a slog.Logger as the process default and returns it,
// matching the teacher's pattern of calling slog.Info/slog.Error
// package-level functions throughout internal/cmd rather than
// threading a *slog.Logger through every constructor.
func Setup(opts Options) *slog.Logger {
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if opts.FilePath != "" {
		rotate := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    nonZero(opts.MaxSizeMB, 100),
			MaxBackups: nonZero(opts.MaxBackups, 5),
			MaxAge:     nonZero(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, rotate)
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
