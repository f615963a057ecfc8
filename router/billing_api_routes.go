package router

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"genforge/internal/store"
)

type topupOrderView struct {
	ID         int64   `json:"id"`
	AmountCNY  string  `json:"amount_cny"`
	Credits    int64   `json:"credits"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	PaidAt     string  `json:"paid_at,omitempty"`
	PaidMethod *string `json:"paid_method,omitempty"`
}

func topupStatusLabel(status int) string {
	switch status {
	case store.TopupOrderStatusPending:
		return "pending"
	case store.TopupOrderStatusPaid:
		return "paid"
	case store.TopupOrderStatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func toTopupOrderView(o store.TopupOrder) topupOrderView {
	v := topupOrderView{
		ID:         o.ID,
		AmountCNY:  o.AmountCNY.StringFixed(store.CNYScale),
		Credits:    o.Credits,
		Status:     topupStatusLabel(o.Status),
		CreatedAt:  o.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		PaidMethod: o.PaidMethod,
	}
	if o.PaidAt != nil {
		v.PaidAt = o.PaidAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return v
}

func setBillingAPIRoutes(r gin.IRoutes, opts Options) {
	r.GET("/billing/topup", listTopupOrdersHandler(opts))
	r.POST("/billing/topup", createTopupOrderHandler(opts))
	r.POST("/billing/topup/:order_id/cancel", cancelTopupOrderHandler(opts))
	r.POST("/billing/topup/:order_id/stripe", startStripePaymentHandler(opts))
	r.POST("/billing/topup/:order_id/epay", startEPayPaymentHandler(opts))
}

func listTopupOrdersHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		orders, err := opts.Billing.ListTopupOrders(c.Request.Context(), accountID, parseLimit(c, 20, 100))
		if err != nil {
			respondError(c, err)
			return
		}
		out := make([]topupOrderView, 0, len(orders))
		for _, o := range orders {
			out = append(out, toTopupOrderView(o))
		}
		respondOK(c, gin.H{
			"orders":         out,
			"stripe_enabled": opts.Stripe.Enabled(),
			"epay_enabled":   opts.EPay.Enabled(),
		})
	}
}

func createTopupOrderHandler(opts Options) gin.HandlerFunc {
	type reqBody struct {
		AmountCNY string `json:"amount_cny"`
	}
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		var req reqBody
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "无效的参数")
			return
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(req.AmountCNY))
		if err != nil {
			badRequest(c, "金额不合法（示例：10.00）")
			return
		}
		o, err := opts.Billing.CreateTopupOrder(c.Request.Context(), accountID, amount)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "订单已创建，请选择支付方式",
			"data":    toTopupOrderView(o),
		})
	}
}

func cancelTopupOrderHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		orderID, ok := parseInt64Param(c, "order_id")
		if !ok {
			badRequest(c, "参数错误")
			return
		}
		if err := opts.Billing.CancelTopupOrder(c.Request.Context(), accountID, orderID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "订单已取消。若您已完成支付，请联系管理员处理退款。"})
	}
}

// payableOrder 取出本人待支付订单；不可支付时已写出响应。
func payableOrder(c *gin.Context, opts Options) (store.TopupOrder, bool) {
	accountID, ok := requireAccount(c)
	if !ok {
		return store.TopupOrder{}, false
	}
	orderID, ok := parseInt64Param(c, "order_id")
	if !ok {
		badRequest(c, "参数错误")
		return store.TopupOrder{}, false
	}
	o, err := opts.Billing.OwnedOrder(c.Request.Context(), accountID, orderID)
	if err != nil {
		respondError(c, err)
		return store.TopupOrder{}, false
	}
	if o.Status != store.TopupOrderStatusPending {
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "订单状态不可支付", "code": "invalid_state_transition"})
		return store.TopupOrder{}, false
	}
	return o, true
}

func startStripePaymentHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, ok := payableOrder(c, opts)
		if !ok {
			return
		}
		base := baseURLFromRequest(opts, c.Request) + "/pay/topup/" + strconv.FormatInt(o.ID, 10)
		u, err := opts.Stripe.CheckoutURL(o, base+"/success", base+"/cancel")
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"redirect_url": u})
	}
}

func startEPayPaymentHandler(opts Options) gin.HandlerFunc {
	type reqBody struct {
		PayType string `json:"pay_type"`
	}
	return func(c *gin.Context) {
		o, ok := payableOrder(c, opts)
		if !ok {
			return
		}
		var req reqBody
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "无效的参数")
				return
			}
		}
		base := baseURLFromRequest(opts, c.Request)
		u, err := opts.EPay.PurchaseURL(o, strings.ToLower(strings.TrimSpace(req.PayType)),
			base+"/api/pay/epay/notify",
			base+"/pay/topup/"+strconv.FormatInt(o.ID, 10)+"/success")
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"redirect_url": u})
	}
}
