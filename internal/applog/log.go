// Package applog builds the process-wide structured logger, honoring the
// same LOG_LEVEL / LOG_ROOT_DIR / LOG_ROTATE_* environment contract as
// dlrover's Python logging setup.
package applog

import (
	"log/slog"
	"os"
	"strings"

	"github.com/dlrover/dlrover-master/internal/config"
)

const (
	defaultRotateMaxBytes    = 200 * 1024 * 1024
	minRotateMaxBytes        = 1024 * 1024
	defaultRotateBackupCount = 5
	minRotateBackupCount     = 1
)

// New builds a *slog.Logger writing JSON records to stderr and,
// optionally, a size-rotated file under cfg.RootDir. Invalid rotation
// settings fall back to defaults rather than failing logger
// construction.
func New(cfg config.LogConfig) *slog.Logger {
	level := parseLevel(cfg.Level)
	handlers := []slog.Handler{slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})}

	if cfg.RootDir != "" {
		maxBytes := cfg.RotateMaxBytes
		if maxBytes < minRotateMaxBytes {
			maxBytes = defaultRotateMaxBytes
		}
		backups := cfg.RotateBackupCount
		if backups < minRotateBackupCount {
			backups = defaultRotateBackupCount
		}
		w, err := newRotatingWriter(cfg.RootDir, "dlrover.log", maxBytes, backups)
		if err == nil {
			handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
		}
	}

	return slog.New(newFanoutHandler(handlers))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToUpper(raw) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
