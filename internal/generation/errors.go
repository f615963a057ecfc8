package generation

import (
	"errors"

	"genforge/internal/credits"
)

var (
	ErrValidation             = errors.New("请求参数不合法")
	ErrInsufficientCredits    = credits.ErrInsufficientCredits
	ErrProvider               = errors.New("生成失败")
	ErrTimeout                = errors.New("生成超时")
	ErrInvalidStateTransition = errors.New("任务当前状态不允许该操作")
	ErrStorage                = errors.New("保存生成结果失败")
	ErrBillingAnomaly         = errors.New("计费异常")
	ErrNotFound               = errors.New("任务不存在")
)

// 任务失败时写入 error_code，便于客服按错误码排查。
const (
	CodeTimeout       = "timeout"
	CodeProviderError = "provider_error"
	CodeStorageError  = "storage_error"
	CodeCancelled     = "cancelled"
	CodeStale         = "stale"
)

// ErrorCode 把错误映射为对外暴露的错误码。
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, ErrStorage):
		return CodeStorageError
	case errors.Is(err, ErrBillingAnomaly):
		return "billing_anomaly"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrProvider):
		return CodeProviderError
	default:
		return "internal_error"
	}
}

// FailureMessage 是写入任务记录、对外可见的失败说明；上游与存储的原始错误只进日志。
func FailureMessage(code string) string {
	switch code {
	case CodeTimeout:
		return "等待生成结果超时"
	case CodeProviderError:
		return "生成失败"
	case CodeStorageError:
		return "保存生成结果失败"
	case CodeCancelled:
		return "用户取消"
	case CodeStale:
		return "任务长时间无进展，已自动终止"
	default:
		return "服务内部错误"
	}
}
