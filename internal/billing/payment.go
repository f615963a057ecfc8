package billing

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Calcium-Ion/go-epay/epay"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	stripeCheckout "github.com/stripe/stripe-go/v81/checkout/session"
	stripeWebhook "github.com/stripe/stripe-go/v81/webhook"

	"genforge/internal/store"
)

var (
	ErrChannelDisabled = errors.New("支付渠道未配置")
	ErrBadSignature    = errors.New("验签失败")
	ErrInvalidPayType  = errors.New("支付类型不支持")
)

// OrderRef 是传给支付渠道的商户订单号：topup_<id>。
func OrderRef(orderID int64) string { return "topup_" + strconv.FormatInt(orderID, 10) }

func parseOrderRef(ref string) (int64, bool) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "topup_") {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(ref, "topup_"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func parseCNY(raw string) (decimal.Decimal, bool) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "¥")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() || d.Exponent() < -store.CNYScale {
		return decimal.Zero, false
	}
	return d.Truncate(store.CNYScale), true
}

// cnyToMinorUnits 把元转换为分（Stripe 的 unit_amount）。
func cnyToMinorUnits(cny decimal.Decimal) (int64, bool) {
	if cny.IsNegative() || cny.Exponent() < -store.CNYScale {
		return 0, false
	}
	scaled := cny.Shift(store.CNYScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, false
	}
	return scaled.IntPart(), true
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

// Stripe 封装 Checkout 下单与 webhook 验签。
type Stripe struct {
	cfg StripeConfig
}

func NewStripe(cfg StripeConfig) *Stripe {
	cfg.Currency = strings.ToLower(strings.TrimSpace(cfg.Currency))
	if cfg.Currency == "" {
		cfg.Currency = "cny"
	}
	return &Stripe{cfg: cfg}
}

func (s *Stripe) Enabled() bool {
	return s != nil && strings.TrimSpace(s.cfg.SecretKey) != "" && strings.TrimSpace(s.cfg.WebhookSecret) != ""
}

// CheckoutURL 为待支付订单创建 Checkout Session 并返回跳转地址。
func (s *Stripe) CheckoutURL(o store.TopupOrder, successURL string, cancelURL string) (string, error) {
	if !s.Enabled() {
		return "", ErrChannelDisabled
	}
	unitAmount, ok := cnyToMinorUnits(o.AmountCNY)
	if !ok || unitAmount <= 0 {
		return "", ErrInvalidAmount
	}
	stripe.Key = strings.TrimSpace(s.cfg.SecretKey)

	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(OrderRef(o.ID)),
		ExpiresAt:         stripe.Int64(time.Now().Add(2 * time.Hour).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(s.cfg.Currency),
					UnitAmount: stripe.Int64(unitAmount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("积分充值 %d", o.Credits)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	sess, err := stripeCheckout.New(params)
	if err != nil {
		return "", fmt.Errorf("创建 Stripe 支付失败: %w", err)
	}
	if strings.TrimSpace(sess.URL) == "" {
		return "", errors.New("创建 Stripe 支付失败: 缺少跳转地址")
	}
	return sess.URL, nil
}

// ParseWebhook 验签并解析 checkout.session.completed；其他事件或无关订单返回 ok=false。
func (s *Stripe) ParseWebhook(payload []byte, signature string) (PaymentEvent, bool, error) {
	if !s.Enabled() {
		return PaymentEvent{}, false, ErrChannelDisabled
	}
	event, err := stripeWebhook.ConstructEventWithOptions(payload, signature, strings.TrimSpace(s.cfg.WebhookSecret), stripeWebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return PaymentEvent{}, false, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return PaymentEvent{}, false, nil
	}
	if strings.TrimSpace(event.GetObjectValue("status")) != "complete" {
		return PaymentEvent{}, false, nil
	}
	orderID, ok := parseOrderRef(event.GetObjectValue("client_reference_id"))
	if !ok {
		return PaymentEvent{}, false, nil
	}
	amountTotal, err := strconv.ParseInt(strings.TrimSpace(event.GetObjectValue("amount_total")), 10, 64)
	if err != nil || amountTotal <= 0 {
		return PaymentEvent{}, false, nil
	}
	if c := strings.ToLower(strings.TrimSpace(event.GetObjectValue("currency"))); c != "" && c != s.cfg.Currency {
		return PaymentEvent{}, false, nil
	}
	return PaymentEvent{
		OrderID:    orderID,
		AmountCNY:  decimal.New(amountTotal, -store.CNYScale),
		PaidMethod: "stripe",
		PaidRef:    strings.TrimSpace(event.GetObjectValue("id")),
		PaidAt:     time.Now(),
	}, true, nil
}

type EPayConfig struct {
	Gateway   string
	PartnerID string
	Key       string
}

// EPay 封装易支付下单与异步通知验签。
type EPay struct {
	cfg EPayConfig
}

func NewEPay(cfg EPayConfig) *EPay {
	return &EPay{cfg: cfg}
}

func (e *EPay) Enabled() bool {
	return e != nil && strings.TrimSpace(e.cfg.Gateway) != "" && strings.TrimSpace(e.cfg.PartnerID) != "" && strings.TrimSpace(e.cfg.Key) != ""
}

func (e *EPay) client() (*epay.Client, error) {
	if !e.Enabled() {
		return nil, ErrChannelDisabled
	}
	c, err := epay.NewClient(&epay.Config{
		PartnerID: strings.TrimSpace(e.cfg.PartnerID),
		Key:       strings.TrimSpace(e.cfg.Key),
	}, strings.TrimSpace(e.cfg.Gateway))
	if err != nil {
		return nil, fmt.Errorf("EPay 配置错误: %w", err)
	}
	return c, nil
}

// PurchaseURL 返回带签名参数的易支付跳转地址；payType 支持 alipay/wxpay/qqpay。
func (e *EPay) PurchaseURL(o store.TopupOrder, payType string, notifyURL string, returnURL string) (string, error) {
	if payType == "" {
		payType = "alipay"
	}
	switch payType {
	case "alipay", "wxpay", "qqpay":
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidPayType, payType)
	}
	c, err := e.client()
	if err != nil {
		return "", err
	}
	notify, err := url.Parse(notifyURL)
	if err != nil {
		return "", fmt.Errorf("回调 URL 配置错误: %w", err)
	}
	ret, err := url.Parse(returnURL)
	if err != nil {
		return "", fmt.Errorf("回跳 URL 配置错误: %w", err)
	}
	purchaseURL, params, err := c.Purchase(&epay.PurchaseArgs{
		Type:           payType,
		ServiceTradeNo: OrderRef(o.ID),
		Name:           fmt.Sprintf("积分充值 %d", o.Credits),
		Money:          o.AmountCNY.StringFixed(store.CNYScale),
		Device:         epay.PC,
		NotifyUrl:      notify,
		ReturnUrl:      ret,
	})
	if err != nil {
		return "", fmt.Errorf("创建 EPay 支付失败: %w", err)
	}
	u, err := url.Parse(purchaseURL)
	if err != nil {
		return "", fmt.Errorf("创建 EPay 支付失败: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseNotify 验签并解析异步通知；非成功状态或无关订单返回 ok=false。
func (e *EPay) ParseNotify(params map[string]string) (PaymentEvent, bool, error) {
	c, err := e.client()
	if err != nil {
		return PaymentEvent{}, false, err
	}
	info, err := c.Verify(params)
	if err != nil || !info.VerifyStatus {
		return PaymentEvent{}, false, ErrBadSignature
	}
	if info.TradeStatus != epay.StatusTradeSuccess {
		return PaymentEvent{}, false, nil
	}
	orderID, ok := parseOrderRef(info.ServiceTradeNo)
	if !ok {
		return PaymentEvent{}, false, nil
	}
	paid, ok := parseCNY(info.Money)
	if !ok || paid.LessThanOrEqual(decimal.Zero) {
		return PaymentEvent{}, false, nil
	}
	return PaymentEvent{
		OrderID:    orderID,
		AmountCNY:  paid,
		PaidMethod: "epay",
		PaidRef:    strings.TrimSpace(info.TradeNo),
		PaidAt:     time.Now(),
	}, true, nil
}
