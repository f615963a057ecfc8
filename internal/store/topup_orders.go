package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopupOrderStatusPending  = 0
	TopupOrderStatusPaid     = 1
	TopupOrderStatusCanceled = 2
)

const topupOrderColumns = `id, account_id, amount_cny, credits, status, paid_at, paid_method, paid_ref, created_at, updated_at`

// CreateTopupOrder 在跳转支付之前落库：支付回调据此区分“从未发起”“已入账未标记”“已完成”。
func (s *Store) CreateTopupOrder(ctx context.Context, accountID int64, amountCNY decimal.Decimal, credits int64) (TopupOrder, error) {
	if accountID <= 0 {
		return TopupOrder{}, errors.New("account_id 不能为空")
	}
	amountCNY = amountCNY.Truncate(CNYScale)
	if amountCNY.LessThanOrEqual(decimal.Zero) {
		return TopupOrder{}, errors.New("充值金额不合法")
	}
	if credits <= 0 {
		return TopupOrder{}, errors.New("充值积分不合法")
	}
	now := s.nowUTC()
	o := TopupOrder{
		AccountID: accountID,
		AmountCNY: amountCNY,
		Credits:   credits,
		Status:    TopupOrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO topup_orders(account_id, amount_cny, credits, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
`, o.AccountID, o.AmountCNY, o.Credits, o.Status, now, now)
	if err != nil {
		return TopupOrder{}, fmt.Errorf("创建 topup_order 失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return TopupOrder{}, fmt.Errorf("获取 topup_order id 失败: %w", err)
	}
	o.ID = id
	return o, nil
}

func (s *Store) GetTopupOrderByID(ctx context.Context, orderID int64) (TopupOrder, error) {
	o, err := scanTopupOrder(s.db.QueryRowContext(ctx, `SELECT `+topupOrderColumns+` FROM topup_orders WHERE id=?`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TopupOrder{}, sql.ErrNoRows
		}
		return TopupOrder{}, fmt.Errorf("查询 topup_order 失败: %w", err)
	}
	return o, nil
}

func (s *Store) ListTopupOrdersByAccount(ctx context.Context, accountID int64, limit int) ([]TopupOrder, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+topupOrderColumns+` FROM topup_orders WHERE account_id=? ORDER BY id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询 topup_orders 失败: %w", err)
	}
	defer rows.Close()

	var out []TopupOrder
	for rows.Next() {
		o, err := scanTopupOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描 topup_orders 失败: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 topup_orders 失败: %w", err)
	}
	return out, nil
}

// MarkTopupOrderPaid 把订单标记为已支付（不负责入账，入账由积分服务按 topup:<id> 幂等完成）。
// 已支付：空操作；已取消：仅记录支付元信息并返回 ErrOrderCanceled，便于人工退款。
func (s *Store) MarkTopupOrderPaid(ctx context.Context, orderID int64, paidMethod string, paidRef string, paidAt time.Time) error {
	if orderID <= 0 {
		return errors.New("order_id 不能为空")
	}
	if paidAt.IsZero() {
		paidAt = s.nowUTC()
	}
	paidAt = normTime(paidAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status int
	err = tx.QueryRowContext(ctx, `SELECT status FROM topup_orders WHERE id=?`+forUpdateClause(s.dialect), orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("查询订单失败: %w", err)
	}
	switch status {
	case TopupOrderStatusPaid:
		return nil
	case TopupOrderStatusCanceled:
		if _, err := tx.ExecContext(ctx, `
UPDATE topup_orders
SET paid_at=COALESCE(paid_at, ?), paid_method=COALESCE(paid_method, ?), paid_ref=COALESCE(paid_ref, ?), updated_at=?
WHERE id=?
`, paidAt, nullIfEmpty(paidMethod), nullIfEmpty(paidRef), s.nowUTC(), orderID); err != nil {
			return fmt.Errorf("更新订单失败: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("提交事务失败: %w", err)
		}
		return ErrOrderCanceled
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE topup_orders
SET status=?, paid_at=?, paid_method=?, paid_ref=?, updated_at=?
WHERE id=? AND status=?
`, TopupOrderStatusPaid, paidAt, nullIfEmpty(paidMethod), nullIfEmpty(paidRef), s.nowUTC(), orderID, TopupOrderStatusPending); err != nil {
		return fmt.Errorf("更新订单失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// CancelTopupOrderByAccount 取消本人待支付订单；已支付订单不可取消。
func (s *Store) CancelTopupOrderByAccount(ctx context.Context, accountID int64, orderID int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE topup_orders SET status=?, updated_at=? WHERE id=? AND account_id=? AND status=?
`, TopupOrderStatusCanceled, s.nowUTC(), orderID, accountID, TopupOrderStatusPending)
	if err != nil {
		return fmt.Errorf("取消订单失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取更新结果失败: %w", err)
	}
	if n > 0 {
		return nil
	}
	o, err := s.GetTopupOrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		return err
	}
	if o.AccountID != accountID {
		return ErrOrderNotFound
	}
	if o.Status == TopupOrderStatusCanceled {
		return nil
	}
	return ErrOrderPaid
}

func scanTopupOrder(row rowScanner) (TopupOrder, error) {
	var o TopupOrder
	var paidAt sql.NullTime
	var paidMethod, paidRef sql.NullString
	if err := row.Scan(&o.ID, &o.AccountID, &o.AmountCNY, &o.Credits, &o.Status, &paidAt, &paidMethod, &paidRef, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return TopupOrder{}, err
	}
	o.AmountCNY = o.AmountCNY.Truncate(CNYScale)
	o.PaidAt = nullTimePtr(paidAt)
	o.PaidMethod = nullStringPtr(paidMethod)
	o.PaidRef = nullStringPtr(paidRef)
	return o, nil
}
