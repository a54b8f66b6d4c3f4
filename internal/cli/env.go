package cli

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// loadDotEnv loads environment variables from path. If the file does not exist
// it is silently ignored so that .env files remain optional. Variables already
// set in the environment win.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// newLogger builds the process logger. --verbose forces DEBUG regardless of
// the configured level.
func newLogger(opts *RootOptions, w io.Writer, level slog.Level) *slog.Logger {
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}
