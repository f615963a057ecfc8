package generation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"genforge/internal/obs"
	"genforge/internal/store"
)

const sweepBatch = 100

// Sweeper 处理两类遗留：长时间无进展的非终态任务，以及完成后扣费前进程退出导致的未结算任务。
type Sweeper struct {
	o          *Orchestrator
	staleAfter time.Duration
}

func NewSweeper(o *Orchestrator, staleAfter time.Duration) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Sweeper{o: o, staleAfter: staleAfter}
}

type SweepStats struct {
	Reconciled int
	Failed     int
	Settled    int
}

// RunOnce 执行一轮清理。停滞任务先向上游确认一次：上游已完成则补做完成处理，否则置为 failed(stale)。
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (SweepStats, error) {
	var stats SweepStats

	stale, err := s.o.st.ListStaleGenerationJobs(ctx, now.Add(-s.staleAfter), now.Add(-s.o.opts.CompletionClaimTTL), sweepBatch)
	if err != nil {
		return stats, err
	}
	for _, job := range stale {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if job.ProviderRequestID != nil && s.tryReconcile(ctx, job) {
			stats.Reconciled++
			continue
		}
		ok, err := s.o.st.FailGenerationJob(ctx, store.FailJobInput{
			ID:           job.ID,
			ErrorCode:    CodeStale,
			ErrorMessage: FailureMessage(CodeStale),
		})
		if err != nil {
			return stats, err
		}
		if !ok {
			continue
		}
		stats.Failed++
		obs.RecordStaleJobSwept()
		s.o.recordFailed(job, CodeStale)
		if job.ProviderRequestID != nil {
			if err := s.o.gw.Cancel(ctx, job.Model, *job.ProviderRequestID); err != nil {
				slog.Warn("取消停滞的上游任务失败", "job_id", job.ID, "err", err)
			}
		}
		if err := s.o.releaseCredits(ctx, job); err != nil {
			slog.Error("结清停滞任务积分出错", "job_id", job.ID, "err", err)
		}
	}

	unsettled, err := s.o.st.ListUnsettledCompletedJobs(ctx, sweepBatch)
	if err != nil {
		return stats, err
	}
	for _, job := range unsettled {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := s.o.settle(ctx, job); err != nil {
			if !errors.Is(err, ErrBillingAnomaly) {
				slog.Error("补扣积分失败", "job_id", job.ID, "err", err)
			}
			continue
		}
		stats.Settled++
		slog.Info("已补扣完成任务的积分", "job_id", job.ID, "credits", job.CreditsUsed)
	}

	if stats.Reconciled+stats.Failed+stats.Settled > 0 {
		slog.Info("任务清理完成", "reconciled", stats.Reconciled, "failed", stats.Failed, "settled", stats.Settled)
	}
	return stats, nil
}

// tryReconcile 返回 true 表示任务已根据上游状态进入终态。
func (s *Sweeper) tryReconcile(ctx context.Context, job store.GenerationJob) bool {
	v, err := s.o.reconcileUpstream(ctx, job)
	if err != nil {
		slog.Warn("停滞任务向上游确认失败", "job_id", job.ID, "err", err)
		return false
	}
	return v.Job.IsTerminal()
}

// Run 按 interval 周期执行 RunOnce，直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := s.RunOnce(ctx, now.UTC()); err != nil && ctx.Err() == nil {
				slog.Error("任务清理失败", "err", err)
			}
		}
	}
}
