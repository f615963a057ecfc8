package router

import "github.com/gin-gonic/gin"

func setWebhookRoutes(r *gin.Engine, opts Options) {
	chain := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(webhookMiddlewares(opts), h)
	}

	r.POST("/api/webhooks/provider", chain(wrapHTTPFunc(opts.ProviderWebhook))...)

	r.POST("/api/pay/stripe/webhook", chain(wrapHTTPFunc(opts.StripeWebhook))...)
	r.GET("/api/pay/epay/notify", chain(wrapHTTPFunc(opts.EPayNotify))...)
	r.POST("/api/pay/epay/notify", chain(wrapHTTPFunc(opts.EPayNotify))...)
}
