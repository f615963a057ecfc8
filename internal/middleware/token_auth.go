// Package middleware 提供 API Token 鉴权：Authorization: Bearer <token> 或 x-api-key。
package middleware

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"genforge/internal/auth"
	"genforge/internal/store"
)

// TokenStore 是鉴权所需的最小存储接口（*store.Store 实现）。
type TokenStore interface {
	GetAPITokenByRawToken(ctx context.Context, rawToken string) (store.APIToken, error)
}

func TokenAuth(st TokenStore) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := auth.ExtractToken(r.Header.Get("Authorization"), r.Header.Get("x-api-key"))
			if raw == "" {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "未提供 Token")
				return
			}
			tok, err := st.GetAPITokenByRawToken(r.Context(), raw)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrTokenRevoked) {
					writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Token 无效")
					return
				}
				slog.ErrorContext(r.Context(), "Token 鉴权失败", "err", err)
				writeJSONError(w, http.StatusInternalServerError, "internal_error", "鉴权失败")
				return
			}
			tokenID := tok.ID
			p := auth.Principal{
				ActorType: auth.ActorTypeToken,
				AccountID: tok.AccountID,
				TokenID:   &tokenID,
			}
			if h := accessInfoFromContext(r.Context()); h != nil {
				h.principal = &p
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}
