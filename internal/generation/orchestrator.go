// Package generation 编排生成任务：下单前的积分准入、同步/异步提交、完成处理（转存产物 + 扣费，仅一次）、
// 取消退款、webhook 对账与停滞任务清理。
package generation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"genforge/internal/credits"
	"genforge/internal/crypto"
	"genforge/internal/obs"
	"genforge/internal/provider"
	"genforge/internal/storage"
	"genforge/internal/store"
)

const maxPromptRunes = 4000

type Options struct {
	SyncTimeout        time.Duration
	CompletionClaimTTL time.Duration
	SignedURLTTL       time.Duration

	// PublicBaseURL + WebhookSecret 用于生成回调地址；任一为空时异步任务只能靠轮询完成。
	PublicBaseURL string
	WebhookSecret string
}

type Orchestrator struct {
	st      *store.Store
	credits *credits.Service
	gw      provider.Gateway
	storage storage.Storage
	opts    Options

	newID func() string
}

func NewOrchestrator(st *store.Store, cs *credits.Service, gw provider.Gateway, sto storage.Storage, opts Options) *Orchestrator {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 3 * time.Minute
	}
	if opts.CompletionClaimTTL <= 0 {
		opts.CompletionClaimTTL = 5 * time.Minute
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = time.Hour
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &Orchestrator{
		st:      st,
		credits: cs,
		gw:      gw,
		storage: sto,
		opts:    opts,
		newID:   func() string { return uuid.NewString() },
	}
}

type SubmitRequest struct {
	Model           string         `json:"model"`
	Prompt          string         `json:"prompt"`
	NegativePrompt  string         `json:"negative_prompt,omitempty"`
	Options         map[string]any `json:"options,omitempty"`
	NumImages       int            `json:"num_images,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Sync            bool           `json:"sync,omitempty"`
}

// JobView 是对外展示的任务详情；产物带签名访问地址。
type JobView struct {
	Job           store.GenerationJob `json:"job"`
	Artifacts     []ArtifactView      `json:"artifacts"`
	QueuePosition *int                `json:"queue_position,omitempty"`
}

type ArtifactView struct {
	store.Artifact
	URL string `json:"url,omitempty"`
}

// Submit 校验请求、计价并做积分准入，然后同步等待结果或提交到队列。
// 余额不足时在创建任务之前拒绝，不会产生任何任务记录。
func (o *Orchestrator) Submit(ctx context.Context, accountID int64, req SubmitRequest) (JobView, error) {
	m, req, input, err := o.prepare(req)
	if err != nil {
		return JobView{}, err
	}
	cost := m.Cost(req)
	ok, err := o.credits.CheckSufficient(ctx, accountID, cost)
	if err != nil {
		return JobView{}, err
	}
	if !ok {
		return JobView{}, ErrInsufficientCredits
	}

	job := store.GenerationJob{
		ID:          o.newID(),
		AccountID:   accountID,
		Model:       m.ID,
		Prompt:      req.Prompt,
		MediaType:   m.MediaType,
		Options:     input,
		CreditsUsed: cost,
	}
	if req.NegativePrompt != "" {
		np := req.NegativePrompt
		job.NegativePrompt = &np
	}
	job, err = o.st.CreateGenerationJob(ctx, job)
	if err != nil {
		return JobView{}, err
	}
	slog.Info("生成任务已创建", "job_id", job.ID, "account_id", accountID, "model", m.ID, "credits", cost, "sync", req.Sync)

	if req.Sync {
		return o.runSync(ctx, job, input)
	}
	return o.submitAsync(ctx, job, input)
}

func (o *Orchestrator) prepare(req SubmitRequest) (Model, SubmitRequest, []byte, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.NegativePrompt = strings.TrimSpace(req.NegativePrompt)
	if req.Prompt == "" {
		return Model{}, req, nil, fmt.Errorf("%w: prompt 不能为空", ErrValidation)
	}
	if utf8.RuneCountInString(req.Prompt) > maxPromptRunes {
		return Model{}, req, nil, fmt.Errorf("%w: prompt 过长", ErrValidation)
	}
	m, ok := LookupModel(req.Model)
	if !ok {
		return Model{}, req, nil, fmt.Errorf("%w: 未知模型 %q", ErrValidation, req.Model)
	}
	req, err := m.normalize(req)
	if err != nil {
		return Model{}, req, nil, err
	}
	input, err := m.BuildInput(req)
	if err != nil {
		return Model{}, req, nil, err
	}
	return m, req, input, nil
}

func (o *Orchestrator) runSync(ctx context.Context, job store.GenerationJob, input []byte) (JobView, error) {
	if _, err := o.st.MarkGenerationJobProcessing(ctx, job.ID); err != nil {
		return JobView{}, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, o.opts.SyncTimeout)
	res, err := o.gw.SubscribeBlocking(waitCtx, job.Model, input)
	cancel()

	// 调用方断开后仍要把任务收尾，避免留下非终态任务。
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		if errors.Is(err, provider.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			o.failJob(ctx, job, CodeTimeout, err)
			return JobView{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		o.failJob(ctx, job, CodeProviderError, err)
		return JobView{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return o.Complete(ctx, job.ID, res)
}

func (o *Orchestrator) submitAsync(ctx context.Context, job store.GenerationJob, input []byte) (JobView, error) {
	requestID, err := o.gw.SubmitToQueue(ctx, job.Model, input, o.WebhookURL(job.ID))
	if err != nil {
		o.failJob(context.WithoutCancel(ctx), job, CodeProviderError, err)
		return JobView{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	// webhook 可能先于这里到达并已完成任务，此时条件更新不命中，按实际状态返回。
	if _, err := o.st.MarkGenerationJobQueued(ctx, job.ID, requestID); err != nil {
		return JobView{}, err
	}
	return o.view(ctx, job.ID)
}

// WebhookURL 生成带任务签名的回调地址。
func (o *Orchestrator) WebhookURL(jobID string) string {
	if o.opts.PublicBaseURL == "" || o.opts.WebhookSecret == "" {
		return ""
	}
	q := url.Values{}
	q.Set("job_id", jobID)
	q.Set("token", crypto.SignJobCallback(o.opts.WebhookSecret, jobID))
	return o.opts.PublicBaseURL + "/api/webhooks/provider?" + q.Encode()
}

// VerifyWebhookToken 校验回调地址中的签名。
func (o *Orchestrator) VerifyWebhookToken(jobID string, token string) bool {
	return crypto.VerifyJobCallback(o.opts.WebhookSecret, jobID, token)
}

func (o *Orchestrator) Get(ctx context.Context, accountID int64, jobID string) (JobView, error) {
	if _, err := o.ownedJob(ctx, accountID, jobID); err != nil {
		return JobView{}, err
	}
	return o.view(ctx, jobID)
}

func (o *Orchestrator) List(ctx context.Context, accountID int64, limit int) ([]store.GenerationJob, error) {
	return o.st.ListGenerationJobsByAccount(ctx, accountID, limit)
}

// Poll 向上游查询进度并推进 in_queue -> processing；不会完成任务（完成由 webhook 或 FetchAndComplete 负责）。
func (o *Orchestrator) Poll(ctx context.Context, accountID int64, jobID string) (JobView, error) {
	job, err := o.ownedJob(ctx, accountID, jobID)
	if err != nil {
		return JobView{}, err
	}
	if job.IsTerminal() || job.ProviderRequestID == nil {
		return o.view(ctx, jobID)
	}

	info, err := o.gw.GetStatus(ctx, job.Model, *job.ProviderRequestID)
	if err != nil {
		// 查询失败不影响任务本身，返回本地状态即可。
		slog.Warn("查询上游任务状态失败", "job_id", jobID, "err", err)
		return o.view(ctx, jobID)
	}
	if info.Status == provider.StatusInProgress {
		if _, err := o.st.MarkGenerationJobProcessing(ctx, jobID); err != nil {
			return JobView{}, err
		}
	}
	if err := o.st.TouchGenerationJob(ctx, jobID); err != nil {
		return JobView{}, err
	}
	v, err := o.view(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	v.QueuePosition = info.QueuePosition
	return v, nil
}

// FetchAndComplete 在上游已完成时拉取结果并走完成处理；上游报错则把任务置为失败。
func (o *Orchestrator) FetchAndComplete(ctx context.Context, accountID int64, jobID string) (JobView, error) {
	job, err := o.ownedJob(ctx, accountID, jobID)
	if err != nil {
		return JobView{}, err
	}
	if job.IsTerminal() {
		return o.view(ctx, jobID)
	}
	if job.ProviderRequestID == nil {
		return JobView{}, fmt.Errorf("%w: 任务尚未提交到上游", ErrInvalidStateTransition)
	}
	return o.reconcileUpstream(ctx, job)
}

// reconcileUpstream 按上游状态收敛本地任务：completed -> 完成处理；error -> 失败；其余保持不变。
func (o *Orchestrator) reconcileUpstream(ctx context.Context, job store.GenerationJob) (JobView, error) {
	info, err := o.gw.GetStatus(ctx, job.Model, *job.ProviderRequestID)
	if err != nil {
		return JobView{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	switch info.Status {
	case provider.StatusCompleted:
		res, err := o.gw.FetchResult(ctx, job.Model, *job.ProviderRequestID)
		if err != nil {
			if errors.Is(err, provider.ErrGenerationFailed) {
				o.failJob(ctx, job, CodeProviderError, err)
				return o.view(ctx, job.ID)
			}
			return JobView{}, fmt.Errorf("%w: %v", ErrProvider, err)
		}
		return o.Complete(ctx, job.ID, res)
	case provider.StatusError:
		o.failJob(ctx, job, CodeProviderError, fmt.Errorf("%w: %s", provider.ErrGenerationFailed, info.Error))
		return o.view(ctx, job.ID)
	case provider.StatusInProgress:
		if _, err := o.st.MarkGenerationJobProcessing(ctx, job.ID); err != nil {
			return JobView{}, err
		}
	}
	v, err := o.view(ctx, job.ID)
	if err != nil {
		return JobView{}, err
	}
	v.QueuePosition = info.QueuePosition
	return v, nil
}

// Cancel 只允许取消 in_queue/processing 的任务。上游取消失败只记日志；
// 本地一定置为 failed(cancelled)，并退还该任务实际扣掉的积分（仅一次）。
func (o *Orchestrator) Cancel(ctx context.Context, accountID int64, jobID string) (JobView, error) {
	job, err := o.ownedJob(ctx, accountID, jobID)
	if err != nil {
		return JobView{}, err
	}
	if job.Status != store.JobStatusInQueue && job.Status != store.JobStatusProcessing {
		return JobView{}, fmt.Errorf("%w: 当前状态 %s", ErrInvalidStateTransition, job.Status)
	}
	ok, err := o.st.FailGenerationJob(ctx, store.FailJobInput{
		ID:           jobID,
		From:         []string{store.JobStatusInQueue, store.JobStatusProcessing},
		ErrorCode:    CodeCancelled,
		ErrorMessage: FailureMessage(CodeCancelled),
		Cancelled:    true,
	})
	if err != nil {
		return JobView{}, err
	}
	if !ok {
		return JobView{}, fmt.Errorf("%w: 任务状态已变化", ErrInvalidStateTransition)
	}
	o.recordFailed(job, CodeCancelled)

	if job.ProviderRequestID != nil {
		if err := o.gw.Cancel(ctx, job.Model, *job.ProviderRequestID); err != nil {
			slog.Warn("取消上游任务失败", "job_id", jobID, "request_id", *job.ProviderRequestID, "err", err)
		}
	}
	if err := o.releaseCredits(context.WithoutCancel(ctx), job); err != nil {
		return JobView{}, err
	}
	return o.view(ctx, jobID)
}

// Fail 把非终态任务置为失败（不扣费）；已终态时为空操作。detail 只记日志。
func (o *Orchestrator) Fail(ctx context.Context, jobID string, code string, detail string) error {
	job, err := o.st.GetGenerationJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if job.IsTerminal() {
		return nil
	}
	o.failJob(ctx, job, code, errors.New(detail))
	return nil
}

// DeleteArtifact 删除产物记录并尽力清理存储中的文件。
func (o *Orchestrator) DeleteArtifact(ctx context.Context, accountID int64, artifactID string) error {
	a, err := o.st.DeleteArtifactByAccount(ctx, accountID, artifactID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if err := o.storage.Delete(ctx, a.StoragePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.Warn("删除存储对象失败", "artifact_id", a.ID, "path", a.StoragePath, "err", err)
	}
	return nil
}

// failJob 把任务从任意非终态置为失败并结清积分；并发下被抢先时什么也不做。
func (o *Orchestrator) failJob(ctx context.Context, job store.GenerationJob, code string, cause error) {
	ok, err := o.st.FailGenerationJob(ctx, store.FailJobInput{ID: job.ID, ErrorCode: code, ErrorMessage: FailureMessage(code)})
	if err != nil {
		slog.Error("标记任务失败出错", "job_id", job.ID, "code", code, "err", err)
		return
	}
	if !ok {
		return
	}
	slog.WarnContext(ctx, "生成任务失败原因", "job_id", job.ID, "code", code, "err", cause)
	o.recordFailed(job, code)
	if err := o.releaseCredits(ctx, job); err != nil {
		slog.Error("结清失败任务积分出错", "job_id", job.ID, "err", err)
	}
}

// releaseCredits 结清失败/取消任务的积分：有实际扣费时按 job:<id> 幂等退还并置为 refunded，
// 否则只释放预留，置为 released。扣费只发生在完成之后，所以通常是后者。
func (o *Orchestrator) releaseCredits(ctx context.Context, job store.GenerationJob) error {
	ref := credits.JobRef(job.ID)
	charged, err := o.credits.Charged(ctx, ref)
	if err != nil {
		return err
	}
	target := store.CreditsStateReleased
	if charged > 0 {
		if _, err := o.credits.Refund(ctx, job.AccountID, charged, ref); err != nil {
			return err
		}
		target = store.CreditsStateRefunded
	}
	for _, from := range []string{store.CreditsStateReserved, store.CreditsStateDeducted} {
		ok, err := o.st.SetGenerationJobCreditsState(ctx, job.ID, from, target)
		if err != nil {
			return err
		}
		if ok {
			break
		}
	}
	return nil
}

func (o *Orchestrator) recordFailed(job store.GenerationJob, code string) {
	obs.RecordGenerationFailed()
	slog.Info("生成任务失败", "job_id", job.ID, "account_id", job.AccountID, "code", code)
}

func (o *Orchestrator) ownedJob(ctx context.Context, accountID int64, jobID string) (store.GenerationJob, error) {
	job, err := o.st.GetGenerationJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.GenerationJob{}, ErrNotFound
		}
		return store.GenerationJob{}, err
	}
	if job.AccountID != accountID {
		return store.GenerationJob{}, ErrNotFound
	}
	return job, nil
}

func (o *Orchestrator) view(ctx context.Context, jobID string) (JobView, error) {
	job, err := o.st.GetGenerationJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobView{}, ErrNotFound
		}
		return JobView{}, err
	}
	arts, err := o.st.ListArtifactsByJob(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	v := JobView{Job: job, Artifacts: make([]ArtifactView, 0, len(arts))}
	for _, a := range arts {
		av := ArtifactView{Artifact: a}
		if u, err := o.storage.SignedURL(ctx, a.StoragePath, o.opts.SignedURLTTL); err != nil {
			slog.Warn("生成产物访问地址失败", "artifact_id", a.ID, "err", err)
		} else {
			av.URL = u
		}
		v.Artifacts = append(v.Artifacts, av)
	}
	return v, nil
}
