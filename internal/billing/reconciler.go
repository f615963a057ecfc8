// Package billing 负责充值订单：下单落库、支付回调入账（按订单幂等，仅一次）、取消。
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"genforge/internal/credits"
	"genforge/internal/obs"
	"genforge/internal/store"
)

var (
	ErrInvalidAmount  = errors.New("充值金额不合法")
	ErrAmountMismatch = errors.New("支付金额与订单不一致")
	ErrOrderNotFound  = store.ErrOrderNotFound
	ErrOrderPaid      = store.ErrOrderPaid
)

type Reconciler struct {
	st            *store.Store
	credits       *credits.Service
	creditsPerCNY decimal.Decimal
	minTopupCNY   decimal.Decimal
}

func NewReconciler(st *store.Store, cs *credits.Service, creditsPerCNY decimal.Decimal, minTopupCNY decimal.Decimal) *Reconciler {
	return &Reconciler{st: st, credits: cs, creditsPerCNY: creditsPerCNY, minTopupCNY: minTopupCNY}
}

// CreateTopupOrder 在跳转支付前创建待支付订单；积分数按汇率向下取整。
func (r *Reconciler) CreateTopupOrder(ctx context.Context, accountID int64, amountCNY decimal.Decimal) (store.TopupOrder, error) {
	if amountCNY.Exponent() < -store.CNYScale {
		return store.TopupOrder{}, fmt.Errorf("%w: 最多两位小数", ErrInvalidAmount)
	}
	if amountCNY.LessThanOrEqual(decimal.Zero) || amountCNY.LessThan(r.minTopupCNY) {
		return store.TopupOrder{}, fmt.Errorf("%w: 最低充值 %s 元", ErrInvalidAmount, r.minTopupCNY.StringFixed(store.CNYScale))
	}
	n := store.CreditsForCNY(amountCNY, r.creditsPerCNY)
	if n <= 0 {
		return store.TopupOrder{}, fmt.Errorf("%w: 金额过小", ErrInvalidAmount)
	}
	o, err := r.st.CreateTopupOrder(ctx, accountID, amountCNY, n)
	if err != nil {
		return store.TopupOrder{}, err
	}
	slog.Info("充值订单已创建", "order_id", o.ID, "account_id", accountID, "amount_cny", o.AmountCNY.StringFixed(store.CNYScale), "credits", n)
	return o, nil
}

// PaymentEvent 是支付渠道回调规范化后的结果；AmountCNY 为渠道实际收款金额，用于与订单核对。
type PaymentEvent struct {
	OrderID    int64
	AmountCNY  decimal.Decimal
	PaidMethod string
	PaidRef    string
	PaidAt     time.Time
}

// IdempotencyKey 是该支付在账本上的幂等键，同一订单的任何重放都会映射到同一个键。
func (e PaymentEvent) IdempotencyKey() string { return credits.TopupRef(e.OrderID) }

type Outcome struct {
	Order store.TopupOrder
	// Credited 为 true 表示本次调用实际增加了积分。
	Credited bool
	// Canceled 表示订单已被取消，只记录了支付信息，需要人工退款。
	Canceled bool
}

// HandlePaymentCompleted 入账一次支付。顺序是先按 topup:<id> 幂等入账，再把订单置为已支付，
// 两步之间进程退出时，重放会跳过入账并补上订单状态。
func (r *Reconciler) HandlePaymentCompleted(ctx context.Context, ev PaymentEvent) (Outcome, error) {
	o, err := r.st.GetTopupOrderByID(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Outcome{}, ErrOrderNotFound
		}
		return Outcome{}, err
	}
	if !ev.AmountCNY.Truncate(store.CNYScale).Equal(o.AmountCNY) {
		slog.Warn("支付金额与订单不一致，忽略", "order_id", o.ID, "paid", ev.AmountCNY.String(), "expected", o.AmountCNY.String())
		return Outcome{Order: o}, ErrAmountMismatch
	}

	switch o.Status {
	case store.TopupOrderStatusPaid:
		return Outcome{Order: o}, nil
	case store.TopupOrderStatusCanceled:
		return r.recordCanceledPayment(ctx, o, ev)
	}

	res, err := r.credits.AddPurchasedCredits(ctx, o.AccountID, o.Credits, ev.IdempotencyKey())
	if err != nil {
		return Outcome{}, err
	}
	if err := r.st.MarkTopupOrderPaid(ctx, o.ID, ev.PaidMethod, ev.PaidRef, ev.PaidAt); err != nil {
		if errors.Is(err, store.ErrOrderCanceled) {
			// 入账后订单被并发取消：积分已到账，留给人工处理。
			slog.Error("订单入账后被取消，需要人工核对", "order_id", o.ID, "account_id", o.AccountID)
			return Outcome{Order: o, Credited: res.Applied, Canceled: true}, nil
		}
		return Outcome{}, err
	}
	if res.Applied {
		obs.RecordPaymentCredited()
		slog.Info("充值已入账", "order_id", o.ID, "account_id", o.AccountID, "credits", o.Credits, "method", ev.PaidMethod)
	}
	o, err = r.st.GetTopupOrderByID(ctx, o.ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Order: o, Credited: res.Applied}, nil
}

func (r *Reconciler) recordCanceledPayment(ctx context.Context, o store.TopupOrder, ev PaymentEvent) (Outcome, error) {
	err := r.st.MarkTopupOrderPaid(ctx, o.ID, ev.PaidMethod, ev.PaidRef, ev.PaidAt)
	if err != nil && !errors.Is(err, store.ErrOrderCanceled) {
		return Outcome{}, err
	}
	slog.Warn("已取消订单收到支付，需要人工退款", "order_id", o.ID, "account_id", o.AccountID, "method", ev.PaidMethod, "ref", ev.PaidRef)
	return Outcome{Order: o, Canceled: true}, nil
}

func (r *Reconciler) CancelTopupOrder(ctx context.Context, accountID int64, orderID int64) error {
	return r.st.CancelTopupOrderByAccount(ctx, accountID, orderID)
}

func (r *Reconciler) ListTopupOrders(ctx context.Context, accountID int64, limit int) ([]store.TopupOrder, error) {
	return r.st.ListTopupOrdersByAccount(ctx, accountID, limit)
}

// OwnedOrder 返回本人的待支付订单（发起支付前调用）。
func (r *Reconciler) OwnedOrder(ctx context.Context, accountID int64, orderID int64) (store.TopupOrder, error) {
	o, err := r.st.GetTopupOrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.TopupOrder{}, ErrOrderNotFound
		}
		return store.TopupOrder{}, err
	}
	if o.AccountID != accountID {
		return store.TopupOrder{}, ErrOrderNotFound
	}
	return o, nil
}
