package generation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"genforge/internal/credits"
	"genforge/internal/provider"
	"genforge/internal/storage"
	"genforge/internal/store"
)

type fakeGateway struct {
	mu sync.Mutex

	submitID    string
	submitErr   error
	submitCalls int
	lastWebhook string

	status    provider.StatusInfo
	statusErr error

	result    provider.Result
	resultErr error

	subscribeResult provider.Result
	subscribeErr    error
	subscribeBlock  bool

	cancelErr   error
	cancelCalls int
}

var _ provider.Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) SubmitToQueue(_ context.Context, _ string, _ []byte, webhookURL string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitCalls++
	g.lastWebhook = webhookURL
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return g.submitID, nil
}

func (g *fakeGateway) GetStatus(context.Context, string, string) (provider.StatusInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, g.statusErr
}

func (g *fakeGateway) FetchResult(context.Context, string, string) (provider.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result, g.resultErr
}

func (g *fakeGateway) SubscribeBlocking(ctx context.Context, _ string, _ []byte) (provider.Result, error) {
	g.mu.Lock()
	block, res, err := g.subscribeBlock, g.subscribeResult, g.subscribeErr
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return provider.Result{}, provider.ErrTimeout
	}
	return res, err
}

func (g *fakeGateway) Cancel(context.Context, string, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	return g.cancelErr
}

type fakeStorage struct {
	mu sync.Mutex

	objects map[string]string
	// failures 表示某个远端地址接下来需要失败的次数（<0 表示一直失败）。
	failures map[string]int
	attempts map[string]int
	deleted  []string

	// gate 非空时，第一次上传先向 entered 发信号，再等 gate 关闭后继续。
	gate    chan struct{}
	entered chan struct{}
}

var _ storage.Storage = (*fakeStorage)(nil)

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		objects:  map[string]string{},
		failures: map[string]int{},
		attempts: map[string]int{},
	}
}

func (s *fakeStorage) UploadFromURL(_ context.Context, key string, remoteURL string) (storage.Upload, error) {
	s.mu.Lock()
	gate, entered := s.gate, s.entered
	s.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[remoteURL]++
	if n := s.failures[remoteURL]; n != 0 {
		if n > 0 {
			s.failures[remoteURL] = n - 1
		}
		return storage.Upload{}, errors.New("download failed")
	}
	s.objects[key] = remoteURL
	return storage.Upload{Path: key, ContentType: "application/octet-stream", Bytes: 42}, nil
}

func (s *fakeStorage) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://cdn.test/" + key, nil
}

func (s *fakeStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

// holdUploads 让后续上传停在 gate 上，返回的 release 放行（可重复调用）。
func (s *fakeStorage) holdUploads(t *testing.T) (entered <-chan struct{}, release func()) {
	t.Helper()
	gate := make(chan struct{})
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.gate, s.entered = gate, ch
	s.mu.Unlock()
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return ch, release
}

func (s *fakeStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type harness struct {
	o       *Orchestrator
	st      *store.Store
	credits *credits.Service
	gw      *fakeGateway
	storage *fakeStorage
}

func newHarness(t *testing.T, defaultGrant int64) *harness {
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

	cs := credits.NewService(st, defaultGrant)
	gw := &fakeGateway{submitID: "req-1"}
	sto := newFakeStorage()
	o := NewOrchestrator(st, cs, gw, sto, Options{
		SyncTimeout:        time.Second,
		CompletionClaimTTL: time.Minute,
		PublicBaseURL:      "https://api.test",
		WebhookSecret:      "whsec",
	})
	return &harness{o: o, st: st, credits: cs, gw: gw, storage: sto}
}

func (h *harness) balance(t *testing.T, accountID int64) int64 {
	t.Helper()
	b, err := h.credits.GetBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b.CreditsRemaining
}

func (h *harness) job(t *testing.T, id string) store.GenerationJob {
	t.Helper()
	j, err := h.st.GetGenerationJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetGenerationJob: %v", err)
	}
	return j
}

func (h *harness) artifacts(t *testing.T, jobID string) []store.Artifact {
	t.Helper()
	arts, err := h.st.ListArtifactsByJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("ListArtifactsByJob: %v", err)
	}
	return arts
}

func (h *harness) onlyJob(t *testing.T, accountID int64) store.GenerationJob {
	t.Helper()
	jobs, err := h.st.ListGenerationJobsByAccount(context.Background(), accountID, 10)
	if err != nil {
		t.Fatalf("ListGenerationJobsByAccount: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	return jobs[0]
}

func (h *harness) deductions(t *testing.T, accountID int64) int {
	t.Helper()
	entries, err := h.credits.Entries(context.Background(), accountID, 100)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	n := 0
	for _, e := range entries {
		if e.Kind == store.LedgerKindDeduct && strings.HasPrefix(e.RefKey, "job:") {
			n++
		}
	}
	return n
}

func imageResult(urls ...string) provider.Result {
	res := provider.Result{RequestID: "req-1"}
	for _, u := range urls {
		res.Media = append(res.Media, provider.MediaFile{URL: u, ContentType: "image/png"})
	}
	return res
}
