// Package middleware 是 net/http 层的中间件：request id、访问日志、token 鉴权与请求体限制。
// router 把它们组合成一条链后再接入 gin。
package middleware

import "net/http"

type Middleware func(http.Handler) http.Handler

// Chain 按书写顺序套上中间件，mws[0] 最先执行。
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		h = mws[i](h)
	}
	return h
}
