package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"genforge/internal/store"
)

func TestSQLiteArtifact_DeleteByAccount(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	j := newPendingJob(t, st, 3, 1)
	if ok, err := st.ClaimGenerationJobCompletion(ctx, j.ID, "c1", time.Minute); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	a := testArtifact()
	if _, ok, err := st.CompleteGenerationJob(ctx, store.CompleteJobInput{JobID: j.ID, Claim: "c1", Artifacts: []store.Artifact{a}}); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	got, err := st.GetArtifact(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got.AccountID != 3 || got.JobID != j.ID || got.Width == nil || *got.Width != 1024 {
		t.Fatalf("artifact=%+v", got)
	}

	// 其他账号看不到，也删不掉。
	if _, err := st.DeleteArtifactByAccount(ctx, 4, a.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("delete by other account: %v", err)
	}
	deleted, err := st.DeleteArtifactByAccount(ctx, 3, a.ID)
	if err != nil {
		t.Fatalf("DeleteArtifactByAccount: %v", err)
	}
	if deleted.StoragePath != a.StoragePath {
		t.Fatalf("deleted=%+v", deleted)
	}
	if _, err := st.GetArtifact(ctx, a.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetArtifact after delete: %v", err)
	}

	// 任务行保留。
	if job, err := st.GetGenerationJob(ctx, j.ID); err != nil || job.Status != store.JobStatusCompleted {
		t.Fatalf("job after artifact delete: %+v err=%v", job, err)
	}
}

func TestSQLiteAPIToken_ListByAccount(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, raw := range []string{"gf_a", "gf_b"} {
		if _, err := st.CreateAPIToken(ctx, 9, raw, raw); err != nil {
			t.Fatalf("CreateAPIToken(%s): %v", raw, err)
		}
	}
	if _, err := st.CreateAPIToken(ctx, 10, "other", "gf_c"); err != nil {
		t.Fatalf("CreateAPIToken: %v", err)
	}
	if _, err := st.CreateAPIToken(ctx, 9, "dup", "gf_a"); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate token: %v", err)
	}

	tokens, err := st.ListAPITokensByAccount(ctx, 9)
	if err != nil {
		t.Fatalf("ListAPITokensByAccount: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("tokens=%d, want 2", len(tokens))
	}
	for _, tk := range tokens {
		if tk.AccountID != 9 {
			t.Fatalf("token=%+v", tk)
		}
	}
}
