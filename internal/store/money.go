package store

import "github.com/shopspring/decimal"

const CNYScale = int32(2)

// CreditsForCNY 按汇率把充值金额折算为积分，向下取整。
func CreditsForCNY(amountCNY decimal.Decimal, creditsPerCNY decimal.Decimal) int64 {
	return amountCNY.Truncate(CNYScale).Mul(creditsPerCNY).Floor().IntPart()
}
