package tablecattesting

import (
	"log/slog"
	"os"

	"github.com/malbeclabs/tablecat/utils/pkg/logger"
)

// NewLogger returns a test logger whose level follows DEBUG: 2 for debug, 1 for info, errors only
// otherwise.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	if level == slog.LevelDebug {
		return logger.NewWithOptions(logger.Options{Verbose: true, Writer: os.Stderr})
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
