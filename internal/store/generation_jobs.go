package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// 生成任务只会被“发起请求的处理器”和“回调/对账”两类执行者并发修改，
// 这里所有状态迁移都是带前置状态条件的单条 UPDATE，返回 false 表示条件未命中（被并发抢先）。

const generationJobColumns = `
id, account_id, model, prompt, negative_prompt, media_type, options, status,
credits_used, credits_state, provider_request_id, error_code, error_message, cancelled,
completion_claim, completion_claimed_at, created_at, started_at, completed_at, duration_ms, updated_at
`

func (s *Store) CreateGenerationJob(ctx context.Context, j GenerationJob) (GenerationJob, error) {
	if strings.TrimSpace(j.ID) == "" {
		return GenerationJob{}, errors.New("job id 不能为空")
	}
	if j.AccountID <= 0 {
		return GenerationJob{}, errors.New("account_id 不能为空")
	}
	if j.CreditsUsed < 0 {
		return GenerationJob{}, errors.New("credits_used 不能为负数")
	}
	now := s.nowUTC()
	j.Status = JobStatusPending
	j.CreditsState = CreditsStateReserved
	j.CreatedAt = now
	j.UpdatedAt = now

	var options any
	if len(j.Options) > 0 {
		options = string(j.Options)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO generation_jobs(
  id, account_id, model, prompt, negative_prompt, media_type, options, status,
  credits_used, credits_state, cancelled, created_at, updated_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
`, j.ID, j.AccountID, j.Model, j.Prompt, nullableString(j.NegativePrompt), j.MediaType, options, j.Status,
		j.CreditsUsed, j.CreditsState, now, now); err != nil {
		if isDuplicateKeyError(err) {
			return GenerationJob{}, ErrDuplicate
		}
		return GenerationJob{}, fmt.Errorf("创建 generation_job 失败: %w", err)
	}
	return j, nil
}

func (s *Store) GetGenerationJob(ctx context.Context, id string) (GenerationJob, error) {
	j, err := scanGenerationJob(s.db.QueryRowContext(ctx, `SELECT `+generationJobColumns+` FROM generation_jobs WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GenerationJob{}, sql.ErrNoRows
		}
		return GenerationJob{}, fmt.Errorf("查询 generation_job 失败: %w", err)
	}
	return j, nil
}

func (s *Store) ListGenerationJobsByAccount(ctx context.Context, accountID int64, limit int) ([]GenerationJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.queryGenerationJobs(ctx, `SELECT `+generationJobColumns+`
FROM generation_jobs
WHERE account_id=?
ORDER BY created_at DESC, id DESC
LIMIT ?`, accountID, limit)
}

// ListStaleGenerationJobs 返回 before 之前就不再有进展的非终态任务；持有未过期完成租约的任务不算停滞。
func (s *Store) ListStaleGenerationJobs(ctx context.Context, before time.Time, claimExpiredBefore time.Time, limit int) ([]GenerationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	in, args := inPlaceholders(ActiveJobStatuses, nil)
	args = append(args, normTime(before), normTime(claimExpiredBefore), limit)
	return s.queryGenerationJobs(ctx, `SELECT `+generationJobColumns+`
FROM generation_jobs
WHERE status IN (`+in+`) AND updated_at < ?
  AND (completion_claim IS NULL OR completion_claimed_at < ?)
ORDER BY updated_at ASC
LIMIT ?`, args...)
}

// ListUnsettledCompletedJobs 返回已完成但尚未扣费的任务（完成后、扣费前进程崩溃留下的）。
func (s *Store) ListUnsettledCompletedJobs(ctx context.Context, limit int) ([]GenerationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryGenerationJobs(ctx, `SELECT `+generationJobColumns+`
FROM generation_jobs
WHERE status=? AND credits_state=?
ORDER BY completed_at ASC
LIMIT ?`, JobStatusCompleted, CreditsStateReserved, limit)
}

// MarkGenerationJobQueued: pending -> in_queue，同时记录上游 request id。
func (s *Store) MarkGenerationJobQueued(ctx context.Context, id string, providerRequestID string) (bool, error) {
	now := s.nowUTC()
	return s.execTransition(ctx, `
UPDATE generation_jobs
SET status=?, provider_request_id=?, started_at=COALESCE(started_at, ?), updated_at=?
WHERE id=? AND status=?
`, JobStatusInQueue, providerRequestID, now, now, id, JobStatusPending)
}

// MarkGenerationJobProcessing: pending|in_queue -> processing（已在 processing 时返回 false，调用方按幂等处理）。
func (s *Store) MarkGenerationJobProcessing(ctx context.Context, id string) (bool, error) {
	now := s.nowUTC()
	return s.execTransition(ctx, `
UPDATE generation_jobs
SET status=?, started_at=COALESCE(started_at, ?), updated_at=?
WHERE id=? AND status IN (?, ?)
`, JobStatusProcessing, now, now, id, JobStatusPending, JobStatusInQueue)
}

// TouchGenerationJob 刷新 updated_at（轮询确认上游仍在执行时调用），避免被停滞清理误判。
func (s *Store) TouchGenerationJob(ctx context.Context, id string) error {
	in, args := inPlaceholders(ActiveJobStatuses, []any{s.nowUTC(), id})
	if _, err := s.db.ExecContext(ctx, `UPDATE generation_jobs SET updated_at=? WHERE id=? AND status IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("更新 generation_job 失败: %w", err)
	}
	return nil
}

type FailJobInput struct {
	ID           string
	From         []string
	ErrorCode    string
	ErrorMessage string
	Cancelled    bool
}

// FailGenerationJob 把任务置为 failed；From 为空时允许从任意非终态迁移。
func (s *Store) FailGenerationJob(ctx context.Context, in FailJobInput) (bool, error) {
	from := in.From
	if len(from) == 0 {
		from = ActiveJobStatuses
	}
	now := s.nowUTC()
	msg := strings.TrimSpace(in.ErrorMessage)
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	placeholders, args := inPlaceholders(from, []any{
		JobStatusFailed, nullIfEmpty(in.ErrorCode), nullIfEmpty(msg), in.Cancelled, now, now, in.ID,
	})
	return s.execTransition(ctx, `
UPDATE generation_jobs
SET status=?, error_code=?, error_message=?, cancelled=?, completion_claim=NULL, completed_at=?, updated_at=?
WHERE id=? AND status IN (`+placeholders+`)
`, args...)
}

// ClaimGenerationJobCompletion 获取完成处理租约：只有非终态且无有效租约的任务可以被认领。
// 同一任务的并发完成（重复 webhook、轮询与 webhook 同时到达）只有一个能拿到租约。
func (s *Store) ClaimGenerationJobCompletion(ctx context.Context, id string, claim string, ttl time.Duration) (bool, error) {
	now := s.nowUTC()
	in, args := inPlaceholders(ActiveJobStatuses, []any{claim, now, now, id})
	args = append(args, now.Add(-ttl))
	return s.execTransition(ctx, `
UPDATE generation_jobs
SET completion_claim=?, completion_claimed_at=?, updated_at=?
WHERE id=? AND status IN (`+in+`) AND (completion_claim IS NULL OR completion_claimed_at < ?)
`, args...)
}

// ReleaseGenerationJobCompletion 放弃租约（仅当租约仍属于 claim 时）。
func (s *Store) ReleaseGenerationJobCompletion(ctx context.Context, id string, claim string) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE generation_jobs SET completion_claim=NULL, completion_claimed_at=NULL WHERE id=? AND completion_claim=?
`, id, claim); err != nil {
		return fmt.Errorf("释放完成租约失败: %w", err)
	}
	return nil
}

type CompleteJobInput struct {
	JobID     string
	Claim     string
	Artifacts []Artifact
}

// CompleteGenerationJob 在一个事务里写入全部产物并把任务置为 completed。
// 条件：任务仍为非终态且租约仍属于 claim；未命中返回 false，不写任何产物。
func (s *Store) CompleteGenerationJob(ctx context.Context, in CompleteJobInput) (GenerationJob, bool, error) {
	if len(in.Artifacts) == 0 {
		return GenerationJob{}, false, errors.New("产物不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GenerationJob{}, false, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	j, err := scanGenerationJob(tx.QueryRowContext(ctx, `SELECT `+generationJobColumns+` FROM generation_jobs WHERE id=?`+forUpdateClause(s.dialect), in.JobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GenerationJob{}, false, sql.ErrNoRows
		}
		return GenerationJob{}, false, fmt.Errorf("查询 generation_job 失败: %w", err)
	}
	now := s.nowUTC()
	var durationMS *int64
	if j.StartedAt != nil {
		d := now.Sub(*j.StartedAt).Milliseconds()
		if d < 0 {
			d = 0
		}
		durationMS = &d
	}

	placeholders, args := inPlaceholders(ActiveJobStatuses, []any{JobStatusCompleted, now, durationMS, now, now, in.JobID})
	args = append(args, in.Claim)
	res, err := tx.ExecContext(ctx, `
UPDATE generation_jobs
SET status=?, completed_at=?, duration_ms=?, started_at=COALESCE(started_at, ?), completion_claim=NULL, updated_at=?
WHERE id=? AND status IN (`+placeholders+`) AND completion_claim=?
`, args...)
	if err != nil {
		return GenerationJob{}, false, fmt.Errorf("更新 generation_job 失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return GenerationJob{}, false, fmt.Errorf("读取更新结果失败: %w", err)
	}
	if n == 0 {
		return GenerationJob{}, false, nil
	}

	for _, a := range in.Artifacts {
		a.JobID = j.ID
		a.AccountID = j.AccountID
		a.CreatedAt = now
		if err := insertArtifactTx(ctx, tx, a); err != nil {
			return GenerationJob{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return GenerationJob{}, false, fmt.Errorf("提交事务失败: %w", err)
	}

	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.DurationMS = durationMS
	j.CompletionClaim = nil
	j.UpdatedAt = now
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	return j, true, nil
}

// SetGenerationJobCreditsState 迁移结算状态（带前置状态条件，保证扣费/退款结论只写一次）。
func (s *Store) SetGenerationJobCreditsState(ctx context.Context, id string, from string, to string) (bool, error) {
	return s.execTransition(ctx, `
UPDATE generation_jobs SET credits_state=?, updated_at=? WHERE id=? AND credits_state=?
`, to, s.nowUTC(), id, from)
}

func (s *Store) execTransition(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("更新 generation_job 失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("读取更新结果失败: %w", err)
	}
	return n > 0, nil
}

func (s *Store) queryGenerationJobs(ctx context.Context, q string, args ...any) ([]GenerationJob, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("查询 generation_jobs 失败: %w", err)
	}
	defer rows.Close()

	var out []GenerationJob
	for rows.Next() {
		j, err := scanGenerationJob(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描 generation_jobs 失败: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 generation_jobs 失败: %w", err)
	}
	return out, nil
}

func scanGenerationJob(row rowScanner) (GenerationJob, error) {
	var j GenerationJob
	var negativePrompt, options, providerRequestID, errorCode, errorMessage, claim sql.NullString
	var claimedAt, startedAt, completedAt sql.NullTime
	var durationMS sql.NullInt64
	var cancelled int
	if err := row.Scan(
		&j.ID, &j.AccountID, &j.Model, &j.Prompt, &negativePrompt, &j.MediaType, &options, &j.Status,
		&j.CreditsUsed, &j.CreditsState, &providerRequestID, &errorCode, &errorMessage, &cancelled,
		&claim, &claimedAt, &j.CreatedAt, &startedAt, &completedAt, &durationMS, &j.UpdatedAt,
	); err != nil {
		return GenerationJob{}, err
	}
	j.NegativePrompt = nullStringPtr(negativePrompt)
	if options.Valid && strings.TrimSpace(options.String) != "" {
		j.Options = []byte(options.String)
	}
	j.ProviderRequestID = nullStringPtr(providerRequestID)
	j.ErrorCode = nullStringPtr(errorCode)
	j.ErrorMessage = nullStringPtr(errorMessage)
	j.Cancelled = cancelled != 0
	j.CompletionClaim = nullStringPtr(claim)
	j.CompletionClaimedAt = nullTimePtr(claimedAt)
	j.StartedAt = nullTimePtr(startedAt)
	j.CompletedAt = nullTimePtr(completedAt)
	j.DurationMS = nullInt64Ptr(durationMS)
	return j, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
