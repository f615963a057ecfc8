package router

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

func SetRouter(r *gin.Engine, opts Options) {
	setSystemRoutes(r, opts)

	// 回调路由不走 gzip 与 Token 鉴权：验签依赖原始请求体。
	setWebhookRoutes(r, opts)

	api := r.Group("/api")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	api.Use(apiMiddlewares(opts)...)
	setGenerationAPIRoutes(api, opts)
	setCreditsAPIRoutes(api, opts)
	setBillingAPIRoutes(api, opts)
	setTokenAPIRoutes(api, opts)
}
