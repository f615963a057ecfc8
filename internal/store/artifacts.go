package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const artifactColumns = `
id, job_id, account_id, media_type, storage_path, optimized_path, content_type, bytes,
width, height, duration_seconds, seed, nsfw, favorite, is_public, created_at
`

// 产物只在完成事务里写入（见 CompleteGenerationJob），这里不提供独立的创建入口。
func insertArtifactTx(ctx context.Context, tx *sql.Tx, a Artifact) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO artifacts(
  id, job_id, account_id, media_type, storage_path, optimized_path, content_type, bytes,
  width, height, duration_seconds, seed, nsfw, favorite, is_public, created_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, a.ID, a.JobID, a.AccountID, a.MediaType, a.StoragePath, nullableString(a.OptimizedPath), a.ContentType, a.Bytes,
		a.Width, a.Height, a.DurationSeconds, a.Seed, a.NSFW, a.Favorite, a.Public, a.CreatedAt); err != nil {
		return fmt.Errorf("写入 artifact 失败: %w", err)
	}
	return nil
}

func (s *Store) ListArtifactsByJob(ctx context.Context, jobID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE job_id=? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("查询 artifacts 失败: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描 artifacts 失败: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 artifacts 失败: %w", err)
	}
	return out, nil
}

func (s *Store) CountArtifactsByJob(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM artifacts WHERE job_id=?`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计 artifacts 失败: %w", err)
	}
	return n, nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Artifact{}, sql.ErrNoRows
		}
		return Artifact{}, fmt.Errorf("查询 artifact 失败: %w", err)
	}
	return a, nil
}

// DeleteArtifactByAccount 删除产物行（与任务行独立），返回被删除的记录供调用方清理存储。
func (s *Store) DeleteArtifactByAccount(ctx context.Context, accountID int64, id string) (Artifact, error) {
	a, err := s.GetArtifact(ctx, id)
	if err != nil {
		return Artifact{}, err
	}
	if a.AccountID != accountID {
		return Artifact{}, sql.ErrNoRows
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id=? AND account_id=?`, id, accountID); err != nil {
		return Artifact{}, fmt.Errorf("删除 artifact 失败: %w", err)
	}
	return a, nil
}

func scanArtifact(row rowScanner) (Artifact, error) {
	var a Artifact
	var optimized sql.NullString
	var width, height, seed sql.NullInt64
	var duration sql.NullFloat64
	var nsfw, favorite, public int
	if err := row.Scan(
		&a.ID, &a.JobID, &a.AccountID, &a.MediaType, &a.StoragePath, &optimized, &a.ContentType, &a.Bytes,
		&width, &height, &duration, &seed, &nsfw, &favorite, &public, &a.CreatedAt,
	); err != nil {
		return Artifact{}, err
	}
	a.OptimizedPath = nullStringPtr(optimized)
	a.Width = nullIntPtr(width)
	a.Height = nullIntPtr(height)
	a.DurationSeconds = nullFloatPtr(duration)
	a.Seed = nullInt64Ptr(seed)
	a.NSFW = nsfw != 0
	a.Favorite = favorite != 0
	a.Public = public != 0
	return a, nil
}
