package credits_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"genforge/internal/credits"
	"genforge/internal/store"
)

func newService(t *testing.T, grant int64) *credits.Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "genforge.db") + "?_busy_timeout=1000"
	db, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema: %v", err)
	}
	st := store.New(db)
	st.SetDialect(store.DialectSQLite)
	return credits.NewService(st, grant)
}

func TestService_GetBalanceNeverNotFound(t *testing.T) {
	svc := newService(t, 10)
	b, err := svc.GetBalance(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.CreditsRemaining != 10 || b.CreditsTotal != 10 {
		t.Fatalf("balance = %d/%d, want 10/10", b.CreditsRemaining, b.CreditsTotal)
	}
}

func TestService_CheckSufficientIsReadOnly(t *testing.T) {
	svc := newService(t, 3)
	ctx := context.Background()

	ok, err := svc.CheckSufficient(ctx, 1, 10)
	if err != nil {
		t.Fatalf("CheckSufficient: %v", err)
	}
	if ok {
		t.Fatalf("3 credits should not cover 10")
	}
	ok, err = svc.CheckSufficient(ctx, 1, 3)
	if err != nil || !ok {
		t.Fatalf("CheckSufficient(3): ok=%v err=%v", ok, err)
	}
	b, _ := svc.GetBalance(ctx, 1)
	if b.CreditsRemaining != 3 {
		t.Fatalf("CheckSufficient must not reserve, balance=%d", b.CreditsRemaining)
	}
}

func TestService_DeductRefundPurchase(t *testing.T) {
	svc := newService(t, 10)
	ctx := context.Background()

	r, err := svc.Deduct(ctx, 1, 4, credits.JobRef("a"))
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if r.Remaining != 6 || r.Total != 10 || !r.Applied {
		t.Fatalf("after deduct: %+v", r)
	}
	// 同一任务重复扣费是空操作。
	r, err = svc.Deduct(ctx, 1, 4, credits.JobRef("a"))
	if err != nil {
		t.Fatalf("Deduct replay: %v", err)
	}
	if r.Remaining != 6 || r.Applied {
		t.Fatalf("after deduct replay: %+v", r)
	}
	charged, err := svc.Charged(ctx, credits.JobRef("a"))
	if err != nil || charged != 4 {
		t.Fatalf("Charged = %d err=%v, want 4", charged, err)
	}
	if charged, err := svc.Charged(ctx, credits.JobRef("never")); err != nil || charged != 0 {
		t.Fatalf("Charged(never) = %d err=%v, want 0", charged, err)
	}

	if _, err := svc.Deduct(ctx, 1, 7, credits.JobRef("b")); !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("overdraft: got %v want ErrInsufficientCredits", err)
	}

	r, err = svc.Refund(ctx, 1, 4, credits.JobRef("a"))
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if r.Remaining != 10 || r.Total != 10 {
		t.Fatalf("after refund: %+v", r)
	}
	r, err = svc.Refund(ctx, 1, 4, credits.JobRef("a"))
	if err != nil {
		t.Fatalf("Refund replay: %v", err)
	}
	if r.Remaining != 10 || r.Applied {
		t.Fatalf("refund applied twice: %+v", r)
	}

	r, err = svc.AddPurchasedCredits(ctx, 1, 100, credits.TopupRef(7))
	if err != nil {
		t.Fatalf("AddPurchasedCredits: %v", err)
	}
	if r.Remaining != 110 || r.Total != 110 {
		t.Fatalf("after purchase: %+v", r)
	}
	if _, err := svc.AddPurchasedCredits(ctx, 1, 0, credits.TopupRef(8)); !errors.Is(err, credits.ErrInvalidAmount) {
		t.Fatalf("zero purchase: got %v want ErrInvalidAmount", err)
	}

	entries, err := svc.Entries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	// grant + deduct + refund + purchase
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	if entries[0].Kind != store.LedgerKindPurchase || entries[0].BalanceAfter != 110 {
		t.Fatalf("latest entry = %+v", entries[0])
	}
}

func TestService_ConcurrentDeductAndRefundKeepInvariants(t *testing.T) {
	svc := newService(t, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				_, _ = svc.Refund(ctx, 9, 1, "")
				return
			}
			_, err := svc.Deduct(ctx, 9, 2, "")
			if err != nil && !errors.Is(err, credits.ErrInsufficientCredits) {
				t.Errorf("Deduct: %v", err)
			}
		}(i)
	}
	wg.Wait()

	b, err := svc.GetBalance(ctx, 9)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.CreditsRemaining < 0 {
		t.Fatalf("balance went negative: %d", b.CreditsRemaining)
	}
	if b.CreditsTotal != 5 {
		t.Fatalf("credits_total = %d, want 5 (refunds do not count)", b.CreditsTotal)
	}
}
