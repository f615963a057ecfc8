package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreditMutation 描述一次余额变更。RefKey 非空时作为幂等键：同一 (Kind, RefKey) 只会生效一次。
type CreditMutation struct {
	AccountID int64
	Kind      string
	Amount    int64
	RefKey    string

	// DefaultGrant 是余额行不存在时的初始赠送额度。
	DefaultGrant int64
}

type CreditMutationResult struct {
	Balance CreditBalance
	// Applied=false 表示 RefKey 已存在，本次调用为幂等空操作。
	Applied bool
}

// GetOrCreateCreditBalance 读取余额；不存在时按 defaultGrant 懒创建。
func (s *Store) GetOrCreateCreditBalance(ctx context.Context, accountID int64, defaultGrant int64) (CreditBalance, error) {
	if accountID <= 0 {
		return CreditBalance{}, errors.New("account_id 不能为空")
	}
	b, err := s.GetCreditBalance(ctx, accountID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return CreditBalance{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreditBalance{}, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureCreditBalanceTx(ctx, tx, accountID, defaultGrant); err != nil {
		return CreditBalance{}, err
	}
	b, err = scanCreditBalance(tx.QueryRowContext(ctx, selectCreditBalanceSQL, accountID))
	if err != nil {
		return CreditBalance{}, fmt.Errorf("查询 credit_balances 失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CreditBalance{}, fmt.Errorf("提交事务失败: %w", err)
	}
	return b, nil
}

func (s *Store) GetCreditBalance(ctx context.Context, accountID int64) (CreditBalance, error) {
	b, err := scanCreditBalance(s.db.QueryRowContext(ctx, selectCreditBalanceSQL, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CreditBalance{}, sql.ErrNoRows
		}
		return CreditBalance{}, fmt.Errorf("查询 credit_balances 失败: %w", err)
	}
	return b, nil
}

// ApplyCreditMutation 在单个事务内完成：幂等键占位 -> 单条条件 UPDATE -> 回写变更后余额。
// 扣减使用 credits_remaining >= ? 作为条件，未命中返回 ErrInsufficientCredits 且余额不变。
func (s *Store) ApplyCreditMutation(ctx context.Context, m CreditMutation) (CreditMutationResult, error) {
	if m.AccountID <= 0 {
		return CreditMutationResult{}, errors.New("account_id 不能为空")
	}
	if m.Amount < 0 {
		return CreditMutationResult{}, errors.New("变更数量不能为负数")
	}
	var update string
	var args []any
	now := s.nowUTC()
	switch m.Kind {
	case LedgerKindDeduct:
		update = `UPDATE credit_balances SET credits_remaining=credits_remaining-?, updated_at=? WHERE account_id=? AND credits_remaining>=?`
		args = []any{m.Amount, now, m.AccountID, m.Amount}
	case LedgerKindRefund:
		update = `UPDATE credit_balances SET credits_remaining=credits_remaining+?, updated_at=? WHERE account_id=?`
		args = []any{m.Amount, now, m.AccountID}
	case LedgerKindPurchase, LedgerKindGrant:
		update = `UPDATE credit_balances SET credits_remaining=credits_remaining+?, credits_total=credits_total+?, last_refill_at=?, updated_at=? WHERE account_id=?`
		args = []any{m.Amount, m.Amount, now, now, m.AccountID}
	default:
		return CreditMutationResult{}, fmt.Errorf("未知的余额变更类型：%s", m.Kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreditMutationResult{}, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureCreditBalanceTx(ctx, tx, m.AccountID, m.DefaultGrant); err != nil {
		return CreditMutationResult{}, err
	}

	// 先占位幂等键：唯一约束负责仲裁并发的重复调用，失败方拿到 0 行。
	refKey := strings.TrimSpace(m.RefKey)
	var ref any
	if refKey != "" {
		ref = refKey
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
%s INTO credit_ledger_entries(account_id, kind, ref_key, amount, balance_after, created_at)
VALUES(?, ?, ?, ?, 0, ?)
`, insertIgnoreVerb(s.dialect)), m.AccountID, m.Kind, ref, m.Amount, now)
	if err != nil {
		return CreditMutationResult{}, fmt.Errorf("写入 credit_ledger_entries 失败: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return CreditMutationResult{}, fmt.Errorf("读取写入结果失败: %w", err)
	}
	if inserted == 0 {
		b, err := scanCreditBalance(tx.QueryRowContext(ctx, selectCreditBalanceSQL, m.AccountID))
		if err != nil {
			return CreditMutationResult{}, fmt.Errorf("查询 credit_balances 失败: %w", err)
		}
		return CreditMutationResult{Balance: b, Applied: false}, nil
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return CreditMutationResult{}, fmt.Errorf("获取 ledger entry id 失败: %w", err)
	}

	if m.Amount > 0 {
		res, err = tx.ExecContext(ctx, update, args...)
		if err != nil {
			return CreditMutationResult{}, fmt.Errorf("更新 credit_balances 失败: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return CreditMutationResult{}, fmt.Errorf("读取更新结果失败: %w", err)
		}
		if n == 0 {
			return CreditMutationResult{}, ErrInsufficientCredits
		}
	}

	b, err := scanCreditBalance(tx.QueryRowContext(ctx, selectCreditBalanceSQL, m.AccountID))
	if err != nil {
		return CreditMutationResult{}, fmt.Errorf("查询 credit_balances 失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE credit_ledger_entries SET balance_after=? WHERE id=?`, b.CreditsRemaining, entryID); err != nil {
		return CreditMutationResult{}, fmt.Errorf("更新 credit_ledger_entries 失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CreditMutationResult{}, fmt.Errorf("提交事务失败: %w", err)
	}
	return CreditMutationResult{Balance: b, Applied: true}, nil
}

// GetLedgerEntryByRef 按幂等键查找已生效的余额变更。
func (s *Store) GetLedgerEntryByRef(ctx context.Context, kind string, refKey string) (LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, account_id, kind, ref_key, amount, balance_after, created_at
FROM credit_ledger_entries
WHERE kind=? AND ref_key=?
`, kind, refKey)
	e, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LedgerEntry{}, sql.ErrNoRows
		}
		return LedgerEntry{}, fmt.Errorf("查询 credit_ledger_entries 失败: %w", err)
	}
	return e, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, accountID int64, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, kind, ref_key, amount, balance_after, created_at
FROM credit_ledger_entries
WHERE account_id=?
ORDER BY id DESC
LIMIT ?
`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询 credit_ledger_entries 失败: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描 credit_ledger_entries 失败: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 credit_ledger_entries 失败: %w", err)
	}
	return out, nil
}

func (s *Store) ensureCreditBalanceTx(ctx context.Context, tx *sql.Tx, accountID int64, defaultGrant int64) error {
	if defaultGrant < 0 {
		defaultGrant = 0
	}
	now := s.nowUTC()
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
%s INTO credit_balances(account_id, credits_remaining, credits_total, last_refill_at, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
`, insertIgnoreVerb(s.dialect)), accountID, defaultGrant, defaultGrant, now, now, now)
	if err != nil {
		return fmt.Errorf("初始化 credit_balances 失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取写入结果失败: %w", err)
	}
	if n == 0 || defaultGrant == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_ledger_entries(account_id, kind, ref_key, amount, balance_after, created_at)
VALUES(?, ?, ?, ?, ?, ?)
`, accountID, LedgerKindGrant, fmt.Sprintf("signup:%d", accountID), defaultGrant, defaultGrant, now); err != nil {
		return fmt.Errorf("写入初始赠送记录失败: %w", err)
	}
	return nil
}

const selectCreditBalanceSQL = `
SELECT account_id, credits_remaining, credits_total, last_refill_at, created_at, updated_at
FROM credit_balances
WHERE account_id=?
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCreditBalance(row rowScanner) (CreditBalance, error) {
	var b CreditBalance
	var lastRefill sql.NullTime
	if err := row.Scan(&b.AccountID, &b.CreditsRemaining, &b.CreditsTotal, &lastRefill, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return CreditBalance{}, err
	}
	b.LastRefillAt = nullTimePtr(lastRefill)
	return b, nil
}

func scanLedgerEntry(row rowScanner) (LedgerEntry, error) {
	var e LedgerEntry
	var ref sql.NullString
	if err := row.Scan(&e.ID, &e.AccountID, &e.Kind, &ref, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
		return LedgerEntry{}, err
	}
	if ref.Valid {
		e.RefKey = ref.String
	}
	return e, nil
}
