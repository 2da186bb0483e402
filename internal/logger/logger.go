package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/naglyadservice/dash-backend/internal/config"
)

// NewLogger builds the process-wide logger: JSON on stdout, one stream for
// the whole service. Every line carries the service name so the fleet's log
// aggregation can split streams when several backends share a sink.
func NewLogger(cfg *config.Config) *slog.Logger {
	level := ParseLevel(cfg.Logging.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		// Source locations are only worth the cost when debugging
		AddSource: level == slog.LevelDebug,
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	if cfg.Application.Name != "" {
		logger = logger.With("service", cfg.Application.Name)
	}

	logger.Info("Logger initialized", "level", level.String())
	return logger
}

// ParseLevel maps a configured level string onto slog's levels. Unknown or
// empty values fall back to info so a typo in config never silences logs.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
