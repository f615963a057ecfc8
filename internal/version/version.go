// Package version 提供构建信息，通过 -ldflags "-X genforge/internal/version.Version=..." 注入。
package version

import "log/slog"

type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func Info() BuildInfo {
	return BuildInfo{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
	}
}

// String 形如 "v1.2.0 (abc1234, 2026-01-02)"；未注入 commit 时只返回版本号。
func (b BuildInfo) String() string {
	if b.Commit == "" || b.Commit == "none" {
		return b.Version
	}
	return b.Version + " (" + b.Commit + ", " + b.Date + ")"
}

// LogAttrs 用于启动日志。
func (b BuildInfo) LogAttrs() []any {
	return []any{slog.String("version", b.Version), slog.String("commit", b.Commit), slog.String("build_date", b.Date)}
}
