package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"genforge/internal/billing"
	"genforge/internal/credits"
	"genforge/internal/generation"
	"genforge/internal/limits"
	"genforge/internal/provider"
	"genforge/internal/storage"
	"genforge/internal/store"
)

type stubGateway struct {
	mu        sync.Mutex
	result    provider.Result
	block     bool
	submitErr error
}

func (g *stubGateway) SubmitToQueue(context.Context, string, []byte, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return "req-1", nil
}

func (g *stubGateway) GetStatus(context.Context, string, string) (provider.StatusInfo, error) {
	pos := 2
	return provider.StatusInfo{Status: provider.StatusQueued, QueuePosition: &pos}, nil
}

func (g *stubGateway) FetchResult(context.Context, string, string) (provider.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result, nil
}

func (g *stubGateway) SubscribeBlocking(ctx context.Context, _ string, _ []byte) (provider.Result, error) {
	g.mu.Lock()
	block, res := g.block, g.result
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return provider.Result{}, provider.ErrTimeout
	}
	return res, nil
}

func (g *stubGateway) Cancel(context.Context, string, string) error { return nil }

type memStorage struct {
	mu      sync.Mutex
	objects map[string]bool
}

func (s *memStorage) UploadFromURL(_ context.Context, key string, _ string) (storage.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = true
	return storage.Upload{Path: key, ContentType: "image/png", Bytes: 3}, nil
}

func (s *memStorage) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://cdn.test/" + key, nil
}

func (s *memStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.objects[key] {
		return storage.ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

type fixture struct {
	engine  *gin.Engine
	st      *store.Store
	credits *credits.Service
	gw      *stubGateway
	limits  *limits.AccountLimits
	token   string
	account int64
}

func newFixture(t *testing.T, env string) *fixture {
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
	cs := credits.NewService(st, 10)

	gw := &stubGateway{result: provider.ParseResult([]byte(`{"images":[{"url":"https://fal.media/a.png","content_type":"image/png"}]}`))}
	orch := generation.NewOrchestrator(st, cs, gw, &memStorage{objects: map[string]bool{}}, generation.Options{
		SyncTimeout:        200 * time.Millisecond,
		CompletionClaimTTL: time.Minute,
	})

	const account = int64(42)
	token := "gf_test_token"
	if _, err := st.CreateAPIToken(context.Background(), account, "test", token); err != nil {
		t.Fatalf("CreateAPIToken: %v", err)
	}

	syncLimits := limits.NewAccountLimits(1)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	SetRouter(engine, Options{
		Env:          env,
		MaxBodyBytes: 1 << 20,
		Store:        st,
		Generation:   orch,
		Credits:      cs,
		Billing:      billing.NewReconciler(st, cs, decimal.NewFromInt(10), decimal.NewFromInt(1)),
		Stripe:       billing.NewStripe(billing.StripeConfig{}),
		EPay:         billing.NewEPay(billing.EPayConfig{}),
		SyncLimits:   syncLimits,
		Healthz: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		},
		ProviderWebhook: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
		StripeWebhook:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
		EPayNotify:      func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("success")) },
	})
	return &fixture{engine: engine, st: st, credits: cs, gw: gw, limits: syncLimits, token: token, account: account}
}

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Code      string          `json:"code"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method string, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)
	rr := httptest.NewRecorder()
	f.engine.ServeHTTP(rr, req)

	var env envelope
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Encoding") == "" {
		_ = json.Unmarshal(rr.Body.Bytes(), &env)
	}
	return rr, env
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.credits.GetBalance(context.Background(), f.account)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b.CreditsRemaining
}

func TestAPI_RequiresToken(t *testing.T) {
	f := newFixture(t, "prod")

	req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	rr := httptest.NewRecorder()
	f.engine.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	f.token = "gf_wrong"
	if rr, _ := f.do(t, http.MethodGet, "/api/credits", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d", rr.Code)
	}
}

func TestAPI_CreditsPage(t *testing.T) {
	f := newFixture(t, "prod")

	rr, env := f.do(t, http.MethodGet, "/api/credits", nil)
	if rr.Code != http.StatusOK || !env.Success {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var page struct {
		Balance store.CreditBalance `json:"balance"`
		Entries []store.LedgerEntry `json:"entries"`
	}
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Balance.CreditsRemaining != 10 || page.Balance.CreditsTotal != 10 || page.Balance.AccountID != f.account {
		t.Fatalf("balance=%+v", page.Balance)
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestAPI_SyncSubmitDeductsOnce(t *testing.T) {
	f := newFixture(t, "prod")

	rr, env := f.do(t, http.MethodPost, "/api/generations", map[string]any{
		"model": "fal-ai/flux/schnell", "prompt": "a cat", "num_images": 2, "sync": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var v generation.JobView
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Job.Status != store.JobStatusCompleted || len(v.Artifacts) != 1 || v.Artifacts[0].URL == "" {
		t.Fatalf("view=%+v", v)
	}
	if got := f.balance(t); got != 8 {
		t.Fatalf("balance=%d want 8", got)
	}

	rr, env = f.do(t, http.MethodGet, "/api/generations", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status=%d", rr.Code)
	}
	var jobs []store.GenerationJob
	if err := json.Unmarshal(env.Data, &jobs); err != nil || len(jobs) != 1 {
		t.Fatalf("jobs=%v err=%v", jobs, err)
	}
}

func TestAPI_AsyncSubmitPollCancel(t *testing.T) {
	f := newFixture(t, "prod")

	rr, env := f.do(t, http.MethodPost, "/api/generations", map[string]any{
		"model": "fal-ai/kling-video/v1.6/standard/text-to-video", "prompt": "waves",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var v generation.JobView
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Job.Status != store.JobStatusInQueue || v.Job.CreditsUsed != 10 {
		t.Fatalf("job=%+v", v.Job)
	}

	rr, env = f.do(t, http.MethodGet, "/api/generations/"+v.Job.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("poll status=%d", rr.Code)
	}
	var polled generation.JobView
	if err := json.Unmarshal(env.Data, &polled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if polled.QueuePosition == nil || *polled.QueuePosition != 2 {
		t.Fatalf("queue position=%v", polled.QueuePosition)
	}

	rr, _ = f.do(t, http.MethodPost, "/api/generations/"+v.Job.ID+"/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := f.balance(t); got != 10 {
		t.Fatalf("balance=%d want 10", got)
	}

	rr, env = f.do(t, http.MethodPost, "/api/generations/"+v.Job.ID+"/cancel", nil)
	if rr.Code != http.StatusConflict || env.Code != "invalid_state_transition" {
		t.Fatalf("second cancel status=%d code=%s", rr.Code, env.Code)
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	f := newFixture(t, "prod")

	rr, env := f.do(t, http.MethodPost, "/api/generations", map[string]any{"model": "fal-ai/kling-video/v1.6/standard/text-to-video", "prompt": "x", "duration_seconds": 10})
	if rr.Code != http.StatusPaymentRequired || env.Code != "insufficient_credits" || env.RequestID == "" {
		t.Fatalf("insufficient: status=%d env=%+v", rr.Code, env)
	}
	if jobs, err := f.st.ListGenerationJobsByAccount(context.Background(), f.account, 10); err != nil || len(jobs) != 0 {
		t.Fatalf("rejected submit must not create a job: %v %v", jobs, err)
	}

	rr, env = f.do(t, http.MethodPost, "/api/generations", map[string]any{"model": "nope", "prompt": "x"})
	if rr.Code != http.StatusBadRequest || env.Code != "validation_error" {
		t.Fatalf("validation: status=%d env=%+v", rr.Code, env)
	}

	rr, env = f.do(t, http.MethodGet, "/api/generations/does-not-exist", nil)
	if rr.Code != http.StatusNotFound || env.Code != "not_found" {
		t.Fatalf("not found: status=%d env=%+v", rr.Code, env)
	}

	f.gw.mu.Lock()
	f.gw.block = true
	f.gw.mu.Unlock()
	rr, env = f.do(t, http.MethodPost, "/api/generations", map[string]any{"model": "fal-ai/flux/schnell", "prompt": "x", "sync": true})
	if rr.Code != http.StatusGatewayTimeout || env.Code != generation.CodeTimeout {
		t.Fatalf("timeout: status=%d env=%+v", rr.Code, env)
	}
	if got := f.balance(t); got != 10 {
		t.Fatalf("timed out job must not charge: balance=%d", got)
	}
}

func TestAPI_UpstreamErrorDetailNotExposed(t *testing.T) {
	f := newFixture(t, "prod")
	const detail = "upstream 500: internal host gpu-node-17.fal.internal key=sk-abc"
	f.gw.mu.Lock()
	f.gw.submitErr = errors.New(detail)
	f.gw.mu.Unlock()

	rr, env := f.do(t, http.MethodPost, "/api/generations", map[string]any{"model": "fal-ai/flux/schnell", "prompt": "x"})
	if rr.Code != http.StatusBadGateway || env.Code != generation.CodeProviderError {
		t.Fatalf("status=%d env=%+v", rr.Code, env)
	}
	if env.Message != generation.FailureMessage(generation.CodeProviderError) {
		t.Fatalf("message=%q", env.Message)
	}
	if env.RequestID == "" || env.RequestID != rr.Header().Get("X-Request-Id") {
		t.Fatalf("request_id=%q header=%q", env.RequestID, rr.Header().Get("X-Request-Id"))
	}
	for _, leak := range []string{"gpu-node-17", "sk-abc", "upstream 500"} {
		if bytes.Contains(rr.Body.Bytes(), []byte(leak)) {
			t.Fatalf("response leaks %q: %s", leak, rr.Body.String())
		}
	}

	// 失败任务的记录同样只带通用说明。
	rr, _ = f.do(t, http.MethodGet, "/api/generations", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status=%d", rr.Code)
	}
	if bytes.Contains(rr.Body.Bytes(), []byte("gpu-node-17")) {
		t.Fatalf("job listing leaks upstream detail: %s", rr.Body.String())
	}
}

func TestAPI_SyncConcurrencyLimit(t *testing.T) {
	f := newFixture(t, "prod")

	if !f.limits.Acquire(f.account) {
		t.Fatalf("Acquire")
	}
	rr, env := f.do(t, http.MethodPost, "/api/generations", map[string]any{"model": "fal-ai/flux/schnell", "prompt": "x", "sync": true})
	if rr.Code != http.StatusTooManyRequests || env.Code != "too_many_requests" {
		t.Fatalf("status=%d env=%+v", rr.Code, env)
	}
	// 异步提交不受同步并发限制。
	if rr, _ := f.do(t, http.MethodPost, "/api/generations", map[string]any{"model": "fal-ai/flux/schnell", "prompt": "x"}); rr.Code != http.StatusOK {
		t.Fatalf("async status=%d body=%s", rr.Code, rr.Body.String())
	}

	f.limits.Release(f.account)
	if rr, _ := f.do(t, http.MethodPost, "/api/generations", map[string]any{"model": "fal-ai/flux/schnell", "prompt": "x", "sync": true}); rr.Code != http.StatusOK {
		t.Fatalf("after release status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := f.limits.Inflight(f.account); got != 0 {
		t.Fatalf("inflight=%d after request", got)
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{generation.ErrValidation, http.StatusBadRequest, "validation_error"},
		{generation.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
		{generation.ErrNotFound, http.StatusNotFound, "not_found"},
		{generation.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
		{fmt.Errorf("%w: deadline", generation.ErrTimeout), http.StatusGatewayTimeout, generation.CodeTimeout},
		{fmt.Errorf("%w: 500", generation.ErrProvider), http.StatusBadGateway, generation.CodeProviderError},
		{generation.ErrStorage, http.StatusBadGateway, generation.CodeStorageError},
		{billing.ErrInvalidAmount, http.StatusBadRequest, "validation_error"},
		{billing.ErrOrderNotFound, http.StatusNotFound, "not_found"},
		{billing.ErrOrderPaid, http.StatusConflict, "invalid_state_transition"},
		{billing.ErrChannelDisabled, http.StatusBadRequest, "payment_channel_disabled"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code := errorStatus(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("errorStatus(%v)=%d,%s want %d,%s", tc.err, status, code, tc.status, tc.code)
		}
	}
}

func TestAPI_TopupOrders(t *testing.T) {
	f := newFixture(t, "prod")

	rr, env := f.do(t, http.MethodPost, "/api/billing/topup", map[string]any{"amount_cny": "5.00"})
	if rr.Code != http.StatusOK || !env.Success {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	var o topupOrderView
	if err := json.Unmarshal(env.Data, &o); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if o.Credits != 50 || o.Status != "pending" || o.AmountCNY != "5.00" {
		t.Fatalf("order=%+v", o)
	}

	rr, env = f.do(t, http.MethodPost, fmt.Sprintf("/api/billing/topup/%d/stripe", o.ID), nil)
	if rr.Code != http.StatusBadRequest || env.Code != "payment_channel_disabled" {
		t.Fatalf("stripe disabled: status=%d env=%+v", rr.Code, env)
	}

	rr, env = f.do(t, http.MethodPost, "/api/billing/topup", map[string]any{"amount_cny": "0.5"})
	if rr.Code != http.StatusBadRequest || env.Code != "validation_error" {
		t.Fatalf("below minimum: status=%d env=%+v", rr.Code, env)
	}

	rr, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/billing/topup/%d/cancel", o.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr, env = f.do(t, http.MethodPost, fmt.Sprintf("/api/billing/topup/%d/epay", o.ID), nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("pay canceled order: status=%d env=%+v", rr.Code, env)
	}
	rr, env = f.do(t, http.MethodPost, "/api/billing/topup/9999/cancel", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown: status=%d env=%+v", rr.Code, env)
	}
}

func TestAPI_Tokens(t *testing.T) {
	f := newFixture(t, "prod")

	rr, env := f.do(t, http.MethodPost, "/api/tokens", map[string]any{"name": "ci"})
	if rr.Code != http.StatusOK {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	var created struct {
		ID    int64  `json:"id"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &created); err != nil || created.Token == "" {
		t.Fatalf("created=%+v err=%v", created, err)
	}

	old := f.token
	f.token = created.Token
	if rr, _ := f.do(t, http.MethodGet, "/api/credits", nil); rr.Code != http.StatusOK {
		t.Fatalf("new token rejected: %d", rr.Code)
	}
	f.token = old

	rr, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/tokens/%d/revoke", created.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status=%d", rr.Code)
	}
	f.token = created.Token
	if rr, _ := f.do(t, http.MethodGet, "/api/credits", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token accepted: %d", rr.Code)
	}
}

func TestSystemRoutes(t *testing.T) {
	prod := newFixture(t, "prod")
	rr := httptest.NewRecorder()
	prod.engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("/debug/vars in prod: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	prod.engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/healthz: %d", rr.Code)
	}

	dev := newFixture(t, "dev")
	rr = httptest.NewRecorder()
	dev.engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte("billing_anomalies_total")) {
		t.Fatalf("/debug/vars in dev: %d", rr.Code)
	}

	// 回调路由不要求 API token。
	rr = httptest.NewRecorder()
	dev.engine.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/webhooks/provider?job_id=x&token=y", bytes.NewReader([]byte(`{}`))))
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook route: %d", rr.Code)
	}
}
