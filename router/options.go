package router

import (
	"net/http"

	"genforge/internal/billing"
	"genforge/internal/credits"
	"genforge/internal/generation"
	"genforge/internal/limits"
	"genforge/internal/store"
)

type Options struct {
	Env           string
	MaxBodyBytes  int64
	PublicBaseURL string // 支付跳转/回调地址的基准；为空时按请求 Host 推断。

	Store      *store.Store
	Generation *generation.Orchestrator
	Credits    *credits.Service
	Billing    *billing.Reconciler
	Stripe     *billing.Stripe
	EPay       *billing.EPay
	// SyncLimits 为空时不限制同步生成并发。
	SyncLimits *limits.AccountLimits

	// system
	Healthz http.HandlerFunc
	// Optional：仅本地存储需要回源。
	Media http.HandlerFunc

	// webhooks
	ProviderWebhook http.HandlerFunc
	StripeWebhook   http.HandlerFunc
	EPayNotify      http.HandlerFunc
}
