// Package middleware 提供请求体缓存：回调验签需要原始字节，解析又要再读一次 body。
package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

type bodyKey int

const cachedBodyKey bodyKey = 1

// DefaultMaxBodyBytes 是未配置上限时的请求体上限。
const DefaultMaxBodyBytes int64 = 1 << 20

func BodyCache(maxBytes int64) Middleware {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			defer r.Body.Close()

			b, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "validation_error", "读取请求体失败")
				return
			}
			if int64(len(b)) > maxBytes {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "validation_error", "请求体过大")
				return
			}
			ctx := context.WithValue(r.Context(), cachedBodyKey, b)
			r = r.WithContext(ctx)
			r.Body = io.NopCloser(bytes.NewReader(b))
			next.ServeHTTP(w, r)
		})
	}
}

func CachedBody(ctx context.Context) []byte {
	v := ctx.Value(cachedBodyKey)
	if v == nil {
		return nil
	}
	b, _ := v.([]byte)
	return b
}

// MaxBytes 只限制 body 大小而不缓存，用于普通 JSON 接口。
func MaxBytes(n int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
