package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"genforge/internal/billing"
	"genforge/internal/generation"
	"genforge/internal/middleware"
	"genforge/internal/storage"
)

// 回调处理可能包含产物转存，与请求方连接解耦，但仍设上限。
const webhookProcessTimeout = 10 * time.Minute

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAck(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": ""})
}

func writeFail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success":    false,
		"message":    msg,
		"request_id": middleware.GetRequestID(r.Context()),
	})
}

// handleProviderWebhook 接收生成服务的完成回调：/api/webhooks/provider?job_id=..&token=..
// token 校验通过且 body 可解析后一律应答 200，处理错误只记日志。
func (a *App) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobID := strings.TrimSpace(q.Get("job_id"))
	if jobID == "" || !a.orch.VerifyWebhookToken(jobID, q.Get("token")) {
		writeFail(w, r, http.StatusUnauthorized, "回调签名无效")
		return
	}

	body := middleware.CachedBody(r.Context())
	if len(body) == 0 {
		writeFail(w, r, http.StatusBadRequest, "请求体为空")
		return
	}
	var ev generation.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeFail(w, r, http.StatusBadRequest, "请求体格式错误")
		return
	}
	ev.JobID = jobID

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), webhookProcessTimeout)
	defer cancel()
	if err := a.webhooks.Handle(ctx, ev); err != nil {
		slog.ErrorContext(r.Context(), "处理生成回调失败", "job_id", jobID, "status", ev.Status, "err", err)
	}
	writeAck(w)
}

// handleStripeWebhook 只处理 checkout.session.completed；内部错误返回 500 让 Stripe 重试。
func (a *App) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload := middleware.CachedBody(r.Context())
	if len(payload) == 0 {
		writeFail(w, r, http.StatusBadRequest, "请求体为空")
		return
	}
	ev, ok, err := a.stripe.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrChannelDisabled) {
			http.NotFound(w, r)
			return
		}
		writeFail(w, r, http.StatusBadRequest, "验签失败")
		return
	}
	if !ok {
		writeAck(w)
		return
	}
	if err := a.applyPayment(r, ev); err != nil {
		writeFail(w, r, http.StatusInternalServerError, "处理失败")
		return
	}
	writeAck(w)
}

// handleEPayNotify 处理易支付异步通知（GET query 或 POST form），按协议应答 success/fail。
func (a *App) handleEPayNotify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		_, _ = w.Write([]byte("fail"))
		return
	}
	params := make(map[string]string, len(r.Form))
	for k := range r.Form {
		params[k] = r.Form.Get(k)
	}
	ev, ok, err := a.epay.ParseNotify(params)
	if err != nil {
		if errors.Is(err, billing.ErrChannelDisabled) {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("fail"))
		return
	}
	if ok {
		if err := a.applyPayment(r, ev); err != nil {
			_, _ = w.Write([]byte("fail"))
			return
		}
	}
	_, _ = w.Write([]byte("success"))
}

// applyPayment 入账；订单不存在或金额不符属于不可重试的错误，只记日志。
func (a *App) applyPayment(r *http.Request, ev billing.PaymentEvent) error {
	_, err := a.billing.HandlePaymentCompleted(context.WithoutCancel(r.Context()), ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, billing.ErrOrderNotFound), errors.Is(err, billing.ErrAmountMismatch):
		slog.WarnContext(r.Context(), "支付回调无法入账", "order_id", ev.OrderID, "method", ev.PaidMethod, "err", err)
		return nil
	default:
		slog.ErrorContext(r.Context(), "支付回调入账失败", "order_id", ev.OrderID, "method", ev.PaidMethod, "err", err)
		return err
	}
}

// handleMedia 为本地存储回源：/media/{key}?expires=..&sig=..
func (a *App) handleMedia(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/media/")
	q := r.URL.Query()
	p, err := a.media.Open(key, q.Get("expires"), q.Get("sig"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, storage.ErrBadSignature):
			http.Error(w, "签名无效或已过期", http.StatusForbidden)
		default:
			http.Error(w, "参数错误", http.StatusBadRequest)
		}
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(w, r, p)
}
