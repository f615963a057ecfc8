package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"genforge/internal/security"
)

func newTestLocalStore(t *testing.T, maxBytes int64) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), "http://media.test", "secret", Downloader{
		Policy:   security.URLPolicy{AllowPrivate: true},
		MaxBytes: maxBytes,
	})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return s
}

func TestLocalStore_UploadSignOpenDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	s := newTestLocalStore(t, 0)
	ctx := context.Background()
	key := ObjectKey(7, "job-1", "art-1", "image/png", srv.URL+"/x")
	if key != "7/job-1/art-1.png" {
		t.Fatalf("ObjectKey=%q", key)
	}

	up, err := s.UploadFromURL(ctx, key, srv.URL+"/x")
	if err != nil {
		t.Fatalf("UploadFromURL: %v", err)
	}
	if up.Path != key || up.Bytes != int64(len("png-bytes")) || up.ContentType != "image/png" {
		t.Fatalf("unexpected upload: %+v", up)
	}

	signed, err := s.SignedURL(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse signed url: %v", err)
	}
	if !strings.HasPrefix(signed, "http://media.test/media/"+key+"?") {
		t.Fatalf("signed url=%q", signed)
	}
	p, err := s.Open(key, u.Query().Get("expires"), u.Query().Get("sig"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "png-bytes" {
		t.Fatalf("content=%q", string(b))
	}

	if _, err := s.Open(key, u.Query().Get("expires"), "bad"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected signature error")
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStore_ExpiredSignature(t *testing.T) {
	s := newTestLocalStore(t, 0)
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }
	signed, err := s.SignedURL(context.Background(), "1/j/a.png", time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	u, _ := url.Parse(signed)
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := s.Open("1/j/a.png", u.Query().Get("expires"), u.Query().Get("sig")); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected expiry error")
	}
}

func TestLocalStore_RejectsOversizeAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	s := newTestLocalStore(t, 16)
	ctx := context.Background()
	if _, err := s.UploadFromURL(ctx, "1/j/big.bin", srv.URL+"/big"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, err := s.UploadFromURL(ctx, "1/j/missing.bin", srv.URL+"/missing"); err == nil {
		t.Fatalf("expected download error")
	}
}

func TestLocalStore_PrivateAddressBlockedByDefault(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "http://media.test", "secret", Downloader{})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	_, err = s.UploadFromURL(context.Background(), "1/j/a.png", "http://127.0.0.1:1/a.png")
	if !errors.Is(err, security.ErrForbiddenAddress) {
		t.Fatalf("expected ErrForbiddenAddress, got %v", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// redirectingTransport 模拟公网媒体地址：/start 之后按 next 给出的地址 302。
type redirectingTransport struct {
	mu    sync.Mutex
	hosts []string
	next  func(r *http.Request) string
}

func (rt *redirectingTransport) client() *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		rt.mu.Lock()
		rt.hosts = append(rt.hosts, r.URL.Host)
		rt.mu.Unlock()
		resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("media")), Request: r}
		if loc := rt.next(r); loc != "" {
			resp.StatusCode = http.StatusFound
			resp.Header.Set("Location", loc)
			resp.Body = io.NopCloser(strings.NewReader(""))
		}
		return resp, nil
	})}
}

func (rt *redirectingTransport) visited() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.hosts...)
}

func TestLocalStore_RedirectToPrivateAddressRefused(t *testing.T) {
	rt := &redirectingTransport{next: func(r *http.Request) string {
		if r.URL.Path == "/start" {
			return "http://127.0.0.1:9/secret"
		}
		return ""
	}}
	s, err := NewLocalStore(t.TempDir(), "http://media.test", "secret", Downloader{Client: rt.client()})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	_, err = s.UploadFromURL(context.Background(), "1/j/a.png", "http://93.184.216.34/start")
	if !errors.Is(err, security.ErrForbiddenAddress) {
		t.Fatalf("expected ErrForbiddenAddress, got %v", err)
	}
	for _, h := range rt.visited() {
		if h != "93.184.216.34" {
			t.Fatalf("private redirect target was requested: %v", rt.visited())
		}
	}
}

func TestLocalStore_RedirectsFollowedWithinLimit(t *testing.T) {
	rt := &redirectingTransport{next: func(r *http.Request) string {
		switch r.URL.Path {
		case "/start":
			return "http://93.184.216.35/final.png"
		case "/loop":
			return "http://93.184.216.34/loop"
		}
		return ""
	}}
	s, err := NewLocalStore(t.TempDir(), "http://media.test", "secret", Downloader{Client: rt.client()})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	up, err := s.UploadFromURL(ctx, "1/j/a.png", "http://93.184.216.34/start")
	if err != nil {
		t.Fatalf("UploadFromURL: %v", err)
	}
	if up.Bytes != int64(len("media")) {
		t.Fatalf("upload=%+v", up)
	}

	if _, err := s.UploadFromURL(ctx, "1/j/b.png", "http://93.184.216.34/loop"); err == nil || !strings.Contains(err.Error(), "重定向次数过多") {
		t.Fatalf("expected redirect limit error, got %v", err)
	}
}

func TestNewDownloadClient_RefusesPrivateDial(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte("internal"))
	}))
	defer srv.Close()

	resp, err := NewDownloadClient(security.URLPolicy{}, 5*time.Second).Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected dial to loopback to be refused")
	}
	mu.Lock()
	got := hits
	mu.Unlock()
	if got != 0 {
		t.Fatalf("loopback server reached %d times", got)
	}

	resp, err = NewDownloadClient(security.URLPolicy{AllowPrivate: true}, 5*time.Second).Get(srv.URL)
	if err != nil {
		t.Fatalf("allow private: %v", err)
	}
	resp.Body.Close()
}

func TestSanitizeKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1/job/a.png", want: "1/job/a.png"},
		{in: "/1/job/a.png", want: "1/job/a.png"},
		{in: "1\\job\\a.png", want: "1/job/a.png"},
		{in: "../etc/passwd", wantErr: true},
		{in: "1/../../x", wantErr: true},
		{in: "  ", wantErr: true},
	}
	for _, tc := range cases {
		got, err := sanitizeKey(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("sanitizeKey(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("sanitizeKey(%q)=%q,%v want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestExtensionFor(t *testing.T) {
	t.Parallel()

	if got := extensionFor("video/mp4", ""); got != ".mp4" {
		t.Fatalf("got %q", got)
	}
	if got := extensionFor("", "https://cdn.test/a/b.webp?x=1"); got != ".webp" {
		t.Fatalf("got %q", got)
	}
	if got := extensionFor("application/octet-stream", "https://cdn.test/a/b"); got != "" {
		t.Fatalf("got %q", got)
	}
}
