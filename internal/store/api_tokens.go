package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"genforge/internal/crypto"
)

// CreateAPIToken 只保存 token 的哈希；明文只在创建时由调用方持有。
func (s *Store) CreateAPIToken(ctx context.Context, accountID int64, name string, rawToken string) (int64, error) {
	if accountID <= 0 {
		return 0, errors.New("account_id 不能为空")
	}
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return 0, errors.New("token 不能为空")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO api_tokens(account_id, name, token_hash, created_at)
VALUES(?, ?, ?, ?)
`, accountID, strings.TrimSpace(name), crypto.TokenHash(rawToken), s.nowUTC())
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("创建 api_token 失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取 api_token id 失败: %w", err)
	}
	return id, nil
}

// GetAPITokenByRawToken 解析 token 所属账号；已吊销返回 ErrTokenRevoked，不存在返回 sql.ErrNoRows。
func (s *Store) GetAPITokenByRawToken(ctx context.Context, rawToken string) (APIToken, error) {
	var t APIToken
	var lastUsed, revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT id, account_id, name, created_at, last_used_at, revoked_at
FROM api_tokens
WHERE token_hash=?
`, crypto.TokenHash(rawToken)).Scan(&t.ID, &t.AccountID, &t.Name, &t.CreatedAt, &lastUsed, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APIToken{}, sql.ErrNoRows
		}
		return APIToken{}, fmt.Errorf("查询 Token 鉴权失败: %w", err)
	}
	t.LastUsedAt = nullTimePtr(lastUsed)
	t.RevokedAt = nullTimePtr(revoked)
	if t.RevokedAt != nil {
		return APIToken{}, ErrTokenRevoked
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at=? WHERE id=?`, s.nowUTC(), t.ID)
	return t, nil
}

func (s *Store) RevokeAPIToken(ctx context.Context, accountID int64, tokenID int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE api_tokens SET revoked_at=? WHERE id=? AND account_id=? AND revoked_at IS NULL
`, s.nowUTC(), tokenID, accountID)
	if err != nil {
		return fmt.Errorf("吊销 api_token 失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) ListAPITokensByAccount(ctx context.Context, accountID int64) ([]APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, name, created_at, last_used_at, revoked_at
FROM api_tokens
WHERE account_id=?
ORDER BY id DESC
`, accountID)
	if err != nil {
		return nil, fmt.Errorf("查询 api_tokens 失败: %w", err)
	}
	defer rows.Close()

	var out []APIToken
	for rows.Next() {
		var t APIToken
		var lastUsed, revoked sql.NullTime
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Name, &t.CreatedAt, &lastUsed, &revoked); err != nil {
			return nil, fmt.Errorf("扫描 api_tokens 失败: %w", err)
		}
		t.LastUsedAt = nullTimePtr(lastUsed)
		t.RevokedAt = nullTimePtr(revoked)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 api_tokens 失败: %w", err)
	}
	return out, nil
}
