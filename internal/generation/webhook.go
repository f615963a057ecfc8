package generation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"genforge/internal/provider"
)

// WebhookEvent 是上游回调的规范化形式（fal: {request_id, status: OK|ERROR, payload, error}）。
type WebhookEvent struct {
	JobID     string
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
}

// WebhookReconciler 把上游回调收敛为任务状态；同一任务的重复回调是无副作用的成功。
type WebhookReconciler struct {
	o *Orchestrator
}

func NewWebhookReconciler(o *Orchestrator) *WebhookReconciler {
	return &WebhookReconciler{o: o}
}

// Handle 返回 error 只用于日志；HTTP 层无论如何都应答 200，避免上游无意义重试。
func (r *WebhookReconciler) Handle(ctx context.Context, ev WebhookEvent) error {
	job, err := r.o.st.GetGenerationJob(ctx, ev.JobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Warn("收到未知任务的回调，忽略", "job_id", ev.JobID, "request_id", ev.RequestID)
			return nil
		}
		return err
	}
	if ev.RequestID != "" && job.ProviderRequestID != nil && *job.ProviderRequestID != ev.RequestID {
		slog.Warn("回调 request_id 与任务不一致，忽略", "job_id", job.ID, "request_id", ev.RequestID, "expected", *job.ProviderRequestID)
		return nil
	}

	switch strings.ToUpper(strings.TrimSpace(ev.Status)) {
	case "OK":
		res := provider.ParseResult(ev.Payload)
		res.RequestID = ev.RequestID
		_, err := r.o.Complete(ctx, job.ID, res)
		return err
	case "ERROR":
		msg := strings.TrimSpace(ev.Error)
		if msg == "" {
			msg = "上游生成失败"
		}
		return r.o.Fail(ctx, job.ID, CodeProviderError, msg)
	default:
		slog.Info("忽略非终态回调", "job_id", job.ID, "status", ev.Status)
		return nil
	}
}
