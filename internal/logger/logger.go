// Package logger configures the process-wide slog handler.
package logger

import (
	"log/slog"
	"os"
)

// Setup installs a text handler on stderr as the default logger. Debug mode
// lowers the level and adds source locations.
func Setup(debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(log)
	return log
}
