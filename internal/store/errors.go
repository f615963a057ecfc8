package store

import "errors"

var (
	// ErrInsufficientCredits 表示条件扣减未命中（余额不足），余额保持不变。
	ErrInsufficientCredits = errors.New("积分不足")
	// ErrOrderCanceled 表示订单已被取消（用于支付回调等幂等场景判定）。
	ErrOrderCanceled = errors.New("订单已取消")
	ErrOrderNotFound = errors.New("订单不存在")
	ErrOrderPaid     = errors.New("订单已支付，无法取消")
	ErrTokenRevoked  = errors.New("token 已吊销")
	ErrDuplicate     = errors.New("记录已存在")
)
