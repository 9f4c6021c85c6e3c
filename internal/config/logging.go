package config

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// SetupLogging builds the process logger: debug level with --verbose,
// colorized output when stderr is a terminal, JSON otherwise so log
// collectors get structured records. Diagnostics go to stderr; stdout is
// reserved for the probe report.
// The returned logger is also installed as the slog default.
func SetupLogging(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	var h slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		h = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	} else {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
