package router

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"genforge/internal/auth"
	"genforge/internal/billing"
	"genforge/internal/generation"
	"genforge/internal/middleware"
	"genforge/internal/store"
)

func wrapHTTP(h http.Handler) gin.HandlerFunc {
	if h == nil {
		return func(c *gin.Context) {
			c.Status(http.StatusNotFound)
		}
	}

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func wrapHTTPFunc(f http.HandlerFunc) gin.HandlerFunc {
	if f == nil {
		return wrapHTTP(nil)
	}
	return wrapHTTP(f)
}

// wrapMiddleware 把一组 net/http 中间件用 middleware.Chain 组合后接入 gin：链条放行时把改写后的
// request 交还给 gin 继续执行，未放行（已写出响应）时中止后续 handler。
func wrapMiddleware(mws ...middleware.Middleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		passed := false
		middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed = true
			c.Request = r
			c.Next()
		}), mws...).ServeHTTP(c.Writer, c.Request)
		if !passed {
			c.Abort()
		}
	}
}

func apiMiddlewares(opts Options) []gin.HandlerFunc {
	return []gin.HandlerFunc{wrapMiddleware(
		middleware.RequestID,
		middleware.AccessLog,
		middleware.TokenAuth(opts.Store),
		middleware.MaxBytes(opts.MaxBodyBytes),
	)}
}

func webhookMiddlewares(opts Options) []gin.HandlerFunc {
	return []gin.HandlerFunc{wrapMiddleware(
		middleware.RequestID,
		middleware.AccessLog,
		middleware.BodyCache(opts.MaxBodyBytes),
	)}
}

func accountIDFromContext(c *gin.Context) (int64, bool) {
	p, ok := auth.PrincipalFromContext(c.Request.Context())
	if !ok {
		return 0, false
	}
	return p.AccountID, true
}

// requireAccount 在缺少主体时直接应答 401；正常情况下 TokenAuth 已经拦截。
func requireAccount(c *gin.Context) (int64, bool) {
	id, ok := accountIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "未登录", "code": "unauthorized"})
		return 0, false
	}
	return id, true
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "", "data": data})
}

// respondError 把业务错误映射为 HTTP 状态与错误码，并带上 request_id 便于排查。
func respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	switch code {
	case generation.CodeProviderError, generation.CodeStorageError, generation.CodeTimeout, "internal_error":
		// 上游与存储的原始错误只进日志，响应里只给错误码与 request_id。
		msg = generation.FailureMessage(code)
		slog.ErrorContext(c.Request.Context(), "请求处理失败", "code", code, "status", status, "err", err)
	}
	c.JSON(status, gin.H{
		"success":    false,
		"message":    msg,
		"code":       code,
		"request_id": middleware.GetRequestID(c.Request.Context()),
	})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrInvalidAmount), errors.Is(err, billing.ErrInvalidPayType):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, billing.ErrOrderNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrOrderPaid), errors.Is(err, store.ErrOrderCanceled):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, billing.ErrChannelDisabled):
		return http.StatusBadRequest, "payment_channel_disabled"
	}

	code := generation.ErrorCode(err)
	switch code {
	case "validation_error":
		return http.StatusBadRequest, code
	case "insufficient_credits":
		return http.StatusPaymentRequired, code
	case "not_found":
		return http.StatusNotFound, code
	case "invalid_state_transition":
		return http.StatusConflict, code
	case generation.CodeTimeout:
		return http.StatusGatewayTimeout, code
	case generation.CodeProviderError, generation.CodeStorageError:
		return http.StatusBadGateway, code
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success":    false,
		"message":    msg,
		"code":       "validation_error",
		"request_id": middleware.GetRequestID(c.Request.Context()),
	})
}

func parseLimit(c *gin.Context, def int, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(c.Query("limit")))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param(name)), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// baseURLFromRequest 优先使用配置的公网地址，否则按请求推断（反代需透传 X-Forwarded-Proto）。
func baseURLFromRequest(opts Options, r *http.Request) string {
	if v := strings.TrimRight(strings.TrimSpace(opts.PublicBaseURL), "/"); v != "" {
		return v
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); v == "http" || v == "https" {
		scheme = v
	}
	return scheme + "://" + r.Host
}
