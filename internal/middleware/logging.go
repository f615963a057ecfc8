package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"genforge/internal/auth"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if fl, ok := w.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

// accessInfo 由 AccessLog 放入 context，内层鉴权中间件回填主体，使日志能带上 account_id。
type accessInfo struct {
	principal *auth.Principal
}

type accessKey int

const accessInfoKey accessKey = 1

func accessInfoFromContext(ctx context.Context) *accessInfo {
	v, _ := ctx.Value(accessInfoKey).(*accessInfo)
	return v
}

// ginWriter 是 gin.ResponseWriter 的子集：经 gin 适配调用时，下游写入走的是 gin 的 writer。
type ginWriter interface {
	Status() int
	Size() int
	Written() bool
}

func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		info := &accessInfo{}
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), accessInfoKey, info)))
		lat := time.Since(start)

		status, size := sw.status, sw.bytes
		if gw, ok := w.(ginWriter); ok && status == 0 && gw.Written() {
			status, size = gw.Status(), int64(gw.Size())
		}

		var accountID any
		var actor any
		if p := info.principal; p != nil {
			accountID = p.AccountID
			actor = p.ActorType
		} else if p, ok := auth.PrincipalFromContext(r.Context()); ok {
			accountID = p.AccountID
			actor = p.ActorType
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "access",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", size,
			"latency_ms", lat.Milliseconds(),
			"account_id", accountID,
			"actor_type", actor,
		)
	})
}
