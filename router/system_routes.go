package router

import (
	"expvar"

	"github.com/gin-gonic/gin"
)

func setSystemRoutes(r *gin.Engine, opts Options) {
	r.GET("/healthz", wrapHTTPFunc(opts.Healthz))
	r.HEAD("/healthz", wrapHTTPFunc(opts.Healthz))

	// expvar 计数器（计费异常、重复完成等）只在开发环境暴露。
	if opts.Env == "dev" {
		r.GET("/debug/vars", wrapHTTP(expvar.Handler()))
	}

	if opts.Media != nil {
		r.GET("/media/*key", wrapHTTPFunc(opts.Media))
		r.HEAD("/media/*key", wrapHTTPFunc(opts.Media))
	}
}
