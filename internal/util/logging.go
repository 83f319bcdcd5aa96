package util

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger installs a JSON slog logger tagged with service as the default
// and returns it. Unknown levels fall back to info.
func InitLogger(service, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		lvl = slog.LevelWarn
	default:
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelInfo
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	})).With("service", service)
	slog.SetDefault(logger)
	return logger
}
