package generation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"genforge/internal/credits"
	"genforge/internal/obs"
	"genforge/internal/provider"
	"genforge/internal/storage"
	"genforge/internal/store"
)

// Complete 是同步返回、webhook、主动拉取三条路径共用的完成处理：
//  1. 抢占完成租约，抢不到说明已完成/已失败/正在被别人处理，按成功空操作返回；
//  2. 转存全部媒体，然后在一个事务里写产物并把任务置为 completed；
//  3. 扣费（job:<id> 幂等）。
//
// 转存失败时任务置为 failed，不写产物、不扣费。
func (o *Orchestrator) Complete(ctx context.Context, jobID string, res provider.Result) (JobView, error) {
	claim := o.newID()
	ok, err := o.st.ClaimGenerationJobCompletion(ctx, jobID, claim, o.opts.CompletionClaimTTL)
	if err != nil {
		return JobView{}, err
	}
	if !ok {
		job, err := o.st.GetGenerationJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return JobView{}, ErrNotFound
			}
			return JobView{}, err
		}
		if job.Status != store.JobStatusFailed {
			obs.RecordDuplicateCompletion()
			slog.Info("重复的完成通知，忽略", "job_id", jobID, "status", job.Status)
		}
		return o.view(ctx, jobID)
	}

	job, err := o.st.GetGenerationJob(ctx, jobID)
	if err != nil {
		_ = o.st.ReleaseGenerationJobCompletion(ctx, jobID, claim)
		return JobView{}, err
	}

	artifacts, uploaded, err := o.persistMedia(ctx, job, res)
	if err != nil {
		o.cleanup(ctx, uploaded)
		o.failJob(ctx, job, CodeStorageError, err)
		return JobView{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	job, ok, err = o.st.CompleteGenerationJob(ctx, store.CompleteJobInput{JobID: jobID, Claim: claim, Artifacts: artifacts})
	if err != nil {
		o.cleanup(ctx, uploaded)
		_ = o.st.ReleaseGenerationJobCompletion(ctx, jobID, claim)
		return JobView{}, err
	}
	if !ok {
		// 租约已过期并被别的执行者接手，本次转存的文件作废。
		o.cleanup(ctx, uploaded)
		obs.RecordDuplicateCompletion()
		return o.view(ctx, jobID)
	}
	obs.RecordGenerationCompleted()
	slog.Info("生成任务完成", "job_id", jobID, "account_id", job.AccountID, "artifacts", len(artifacts))

	if err := o.settle(ctx, job); err != nil && !errors.Is(err, ErrBillingAnomaly) {
		// 任务保持 completed + reserved，由清理任务补扣。
		slog.Error("扣费失败，等待补扣", "job_id", jobID, "err", err)
	}
	return o.view(ctx, jobID)
}

func (o *Orchestrator) persistMedia(ctx context.Context, job store.GenerationJob, res provider.Result) ([]store.Artifact, []string, error) {
	if len(res.Media) == 0 {
		return nil, nil, errors.New("上游未返回任何媒体")
	}
	artifacts := make([]store.Artifact, 0, len(res.Media))
	uploaded := make([]string, 0, len(res.Media))
	for _, m := range res.Media {
		id := o.newID()
		key := storage.ObjectKey(job.AccountID, job.ID, id, m.ContentType, m.URL)
		up, err := o.upload(ctx, key, m.URL)
		if err != nil {
			return nil, uploaded, err
		}
		uploaded = append(uploaded, up.Path)

		contentType := m.ContentType
		if contentType == "" {
			contentType = up.ContentType
		}
		artifacts = append(artifacts, store.Artifact{
			ID:              id,
			MediaType:       job.MediaType,
			StoragePath:     up.Path,
			ContentType:     contentType,
			Bytes:           up.Bytes,
			Width:           m.Width,
			Height:          m.Height,
			DurationSeconds: m.DurationSeconds,
			Seed:            res.Seed,
			NSFW:            m.NSFW,
		})
	}
	return artifacts, uploaded, nil
}

// upload 失败后重试一次；SSRF 拦截与超限不重试。
func (o *Orchestrator) upload(ctx context.Context, key string, remoteURL string) (storage.Upload, error) {
	up, err := o.storage.UploadFromURL(ctx, key, remoteURL)
	if err == nil {
		return up, nil
	}
	if errors.Is(err, storage.ErrTooLarge) || ctx.Err() != nil {
		return storage.Upload{}, err
	}
	slog.Warn("转存媒体失败，重试", "key", key, "err", err)
	return o.storage.UploadFromURL(ctx, key, remoteURL)
}

func (o *Orchestrator) cleanup(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := o.storage.Delete(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("清理转存文件失败", "path", p, "err", err)
		}
	}
}

// settle 对已完成任务扣费。余额不足时不回滚已交付的产物，记为计费异常（credits_state=anomaly）。
func (o *Orchestrator) settle(ctx context.Context, job store.GenerationJob) error {
	_, err := o.credits.Deduct(ctx, job.AccountID, job.CreditsUsed, credits.JobRef(job.ID))
	if err != nil {
		if !errors.Is(err, credits.ErrInsufficientCredits) {
			return err
		}
		ok, serr := o.st.SetGenerationJobCreditsState(ctx, job.ID, store.CreditsStateReserved, store.CreditsStateAnomaly)
		if serr != nil {
			return serr
		}
		if ok {
			obs.RecordBillingAnomaly()
			slog.Error("计费异常：产物已交付但余额不足以扣费",
				"job_id", job.ID, "account_id", job.AccountID, "credits", job.CreditsUsed)
		}
		return ErrBillingAnomaly
	}
	if _, err := o.st.SetGenerationJobCreditsState(ctx, job.ID, store.CreditsStateReserved, store.CreditsStateDeducted); err != nil {
		return err
	}
	return nil
}
