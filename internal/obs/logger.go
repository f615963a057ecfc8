// Package obs 提供最小的可观测能力：结构化日志与计数器，默认不记录敏感信息（prompt、token）。
package obs

import (
	"io"
	"log/slog"
	"os"
)

func NewLogger(env string) *slog.Logger {
	return newLogger(os.Stdout, env)
}

func newLogger(w io.Writer, env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "dev" {
		level = slog.LevelDebug
	}
	handler := NewContextHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	return slog.New(handler).With("service", "genforge")
}
