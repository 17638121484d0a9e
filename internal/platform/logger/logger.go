package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config はロガーの設定
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"
	Output io.Writer
}

// DefaultConfig はデフォルトのロガー設定
// ログレベルは LOG_LEVEL 環境変数で上書きできます
func DefaultConfig() Config {
	return Config{
		Level:  levelFromEnv(),
		Format: "json",
		Output: os.Stdout,
	}
}

// New は新しいロガーを作成し、デフォルトロガーとして設定します
func New(cfg Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: cfg.Level,
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default: // "json"
		handler = slog.NewJSONHandler(output, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// levelFromEnv は LOG_LEVEL 環境変数からログレベルを決定します
func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
