package middleware

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"sync/atomic"
	"time"

	"genforge/internal/obs"
)

const RequestIDHeader = "X-Request-Id"

// 上游透传的 request_id 超过该长度或含不可见字符时重新生成，避免日志注入。
const maxIncomingRequestIDLen = 64

var randRead = rand.Read

var requestIDFallbackCounter atomic.Uint64

// RequestID 生成或透传 X-Request-Id，写入 context 后 slog.*Context 日志与错误响应都会带上它。
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(RequestIDHeader)
		if !validRequestID(rid) {
			rid = newRequestID()
		}
		w.Header().Set(RequestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(obs.WithRequestID(r.Context(), rid)))
	})
}

func GetRequestID(ctx context.Context) string {
	return obs.RequestIDFromContext(ctx)
}

func validRequestID(s string) bool {
	if s == "" || len(s) > maxIncomingRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

func newRequestID() string {
	var b [16]byte
	if _, err := randRead(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}

	// crypto/rand 不可用时退化到“时间 + 计数器”，保证进程内唯一。
	binary.BigEndian.PutUint64(b[:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(b[8:], requestIDFallbackCounter.Add(1))
	return hex.EncodeToString(b[:])
}
