// Package provider 封装外部异步生成队列（提交、查询状态、取结果、取消），对上层屏蔽厂商协议。
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Gateway 是生成服务的适配器；实现需要可并发调用。
type Gateway interface {
	SubmitToQueue(ctx context.Context, model string, input []byte, webhookURL string) (string, error)
	GetStatus(ctx context.Context, model string, requestID string) (StatusInfo, error)
	FetchResult(ctx context.Context, model string, requestID string) (Result, error)
	// SubscribeBlocking 提交并阻塞等待结果；ctx 到期返回 ErrTimeout。
	SubscribeBlocking(ctx context.Context, model string, input []byte) (Result, error)
	Cancel(ctx context.Context, model string, requestID string) error
}

type StatusInfo struct {
	Status        Status
	QueuePosition *int
	Error         string
}

// MediaFile 是上游返回的一个媒体文件（尚未转存）。
type MediaFile struct {
	URL             string
	ContentType     string
	FileSize        int64
	Width           *int
	Height          *int
	DurationSeconds *float64
	NSFW            bool
}

type Result struct {
	RequestID string
	Media     []MediaFile
	Seed      *int64
	Raw       json.RawMessage
}

var (
	// ErrTimeout 表示阻塞等待超过了调用方给定的时限（区别于上游报错）。
	ErrTimeout = errors.New("等待生成结果超时")
	// ErrGenerationFailed 表示上游明确报告生成失败。
	ErrGenerationFailed = errors.New("上游生成失败")
)

// Error 是上游 HTTP 调用的失败详情。
type Error struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: 上游返回 %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}
