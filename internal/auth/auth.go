// Package auth 定义请求主体（调用方账号），由鉴权中间件写入 context，业务层只读取 AccountID。
package auth

import (
	"context"
)

type ActorType string

const (
	ActorTypeToken ActorType = "token"
)

type Principal struct {
	ActorType ActorType
	AccountID int64
	TokenID   *int64
}

type ctxKey int

const principalKey ctxKey = 1

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok && p.AccountID > 0
}
