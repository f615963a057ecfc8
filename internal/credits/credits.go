// Package credits 实现积分账本服务：余额永不为负，所有变更都是按账号的单条条件更新。
package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"genforge/internal/store"
)

// ErrInsufficientCredits 是用户可感知的余额不足错误（前端据此引导充值）。
var ErrInsufficientCredits = store.ErrInsufficientCredits

var ErrInvalidAmount = errors.New("积分数量不合法")

// LedgerStore 是账本服务依赖的最小存储接口。
type LedgerStore interface {
	GetOrCreateCreditBalance(ctx context.Context, accountID int64, defaultGrant int64) (store.CreditBalance, error)
	ApplyCreditMutation(ctx context.Context, m store.CreditMutation) (store.CreditMutationResult, error)
	GetLedgerEntryByRef(ctx context.Context, kind string, refKey string) (store.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, accountID int64, limit int) ([]store.LedgerEntry, error)
}

type Service struct {
	st           LedgerStore
	defaultGrant int64
}

func NewService(st LedgerStore, defaultGrant int64) *Service {
	if defaultGrant < 0 {
		defaultGrant = 0
	}
	return &Service{st: st, defaultGrant: defaultGrant}
}

// Result 是一次变更后的余额；Applied=false 表示 ref 已处理过，本次为幂等空操作。
type Result struct {
	Remaining int64
	Total     int64
	Applied   bool
}

// GetBalance 读取余额，不存在时按默认赠送额度懒创建。
func (s *Service) GetBalance(ctx context.Context, accountID int64) (store.CreditBalance, error) {
	return s.st.GetOrCreateCreditBalance(ctx, accountID, s.defaultGrant)
}

// CheckSufficient 只读判断，不做预留；真正的扣减会在 Deduct 里重新校验。
func (s *Service) CheckSufficient(ctx context.Context, accountID int64, amount int64) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}
	b, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return b.CreditsRemaining >= amount, nil
}

// Deduct 条件扣减：余额不足返回 ErrInsufficientCredits，余额不变。
func (s *Service) Deduct(ctx context.Context, accountID int64, amount int64, ref string) (Result, error) {
	return s.apply(ctx, accountID, store.LedgerKindDeduct, amount, ref)
}

// Refund 只增加 credits_remaining，不计入 credits_total。
func (s *Service) Refund(ctx context.Context, accountID int64, amount int64, ref string) (Result, error) {
	return s.apply(ctx, accountID, store.LedgerKindRefund, amount, ref)
}

// AddPurchasedCredits 同时增加 credits_remaining 与 credits_total；ref 为支付事件幂等键。
func (s *Service) AddPurchasedCredits(ctx context.Context, accountID int64, amount int64, ref string) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	return s.apply(ctx, accountID, store.LedgerKindPurchase, amount, ref)
}

// Grant 用于运营赠送（与购买同样计入 credits_total）。
func (s *Service) Grant(ctx context.Context, accountID int64, amount int64, ref string) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	return s.apply(ctx, accountID, store.LedgerKindGrant, amount, ref)
}

// Charged 返回某个 ref 实际扣掉的积分（未扣过返回 0）。
func (s *Service) Charged(ctx context.Context, ref string) (int64, error) {
	e, err := s.st.GetLedgerEntryByRef(ctx, store.LedgerKindDeduct, ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return e.Amount, nil
}

func (s *Service) Entries(ctx context.Context, accountID int64, limit int) ([]store.LedgerEntry, error) {
	return s.st.ListLedgerEntries(ctx, accountID, limit)
}

func (s *Service) apply(ctx context.Context, accountID int64, kind string, amount int64, ref string) (Result, error) {
	if accountID <= 0 {
		return Result{}, errors.New("account_id 不能为空")
	}
	if amount < 0 {
		return Result{}, ErrInvalidAmount
	}
	res, err := s.st.ApplyCreditMutation(ctx, store.CreditMutation{
		AccountID:    accountID,
		Kind:         kind,
		Amount:       amount,
		RefKey:       ref,
		DefaultGrant: s.defaultGrant,
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			return Result{}, ErrInsufficientCredits
		}
		return Result{}, fmt.Errorf("积分%s失败: %w", kindLabel(kind), err)
	}
	return Result{
		Remaining: res.Balance.CreditsRemaining,
		Total:     res.Balance.CreditsTotal,
		Applied:   res.Applied,
	}, nil
}

func kindLabel(kind string) string {
	switch kind {
	case store.LedgerKindDeduct:
		return "扣减"
	case store.LedgerKindRefund:
		return "退还"
	case store.LedgerKindPurchase:
		return "充值"
	default:
		return "变更"
	}
}

// JobRef 是任务扣费/退款的幂等键。
func JobRef(jobID string) string { return "job:" + jobID }

// TopupRef 是充值订单入账的幂等键。
func TopupRef(orderID int64) string { return fmt.Sprintf("topup:%d", orderID) }
