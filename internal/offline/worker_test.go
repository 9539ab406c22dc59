package offline

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type stubNetwork struct {
	mu    sync.Mutex
	calls []string
	resp  map[string]*Response
	fail  map[string]bool
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{resp: map[string]*Response{}, fail: map[string]bool{}}
}

func (n *stubNetwork) serve(u string, status int, body string) {
	n.resp[u] = &Response{URL: u, Status: status, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(body)}
}

func (n *stubNetwork) Fetch(_ context.Context, req *http.Request) (*Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	u := req.URL.String()
	n.calls = append(n.calls, req.Method+" "+u)
	if n.fail[u] {
		return nil, errors.New("connection refused")
	}
	if r, ok := n.resp[u]; ok {
		return r.Clone(), nil
	}
	return &Response{URL: u, Status: http.StatusNotFound, Header: http.Header{}}, nil
}

func (n *stubNetwork) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *stubNetwork) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = nil
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func newTestWorker(t *testing.T, net Fetcher, storage Storage, assets ...string) *Worker {
	t.Helper()
	w, err := NewWorker(Config{
		CacheName: "test-cache-v2",
		Origin:    mustURL(t, "https://tasks.example.com"),
		Assets:    assets,
	}, storage, net)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func get(t *testing.T, raw string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, raw, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestNewWorkerRequiresAbsoluteOrigin(t *testing.T) {
	_, err := NewWorker(Config{Origin: mustURL(t, "/relative")}, NewMemoryStorage(), newStubNetwork())
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestInstallContinuesPastFailingAssets(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://tasks.example.com/index.html", 200, "<html>")
	net.serve("https://tasks.example.com/scripts/app.js", 200, "app")
	net.fail["https://cdn.example.net/lib.js"] = true
	storage := NewMemoryStorage()
	w := newTestWorker(t, net, storage,
		"./index.html",
		"https://cdn.example.net/lib.js",
		"./missing.png",
		"./scripts/app.js",
	)

	report, err := w.Install(context.Background())
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(report.Cached) != 2 {
		t.Fatalf("expected 2 cached, got %v", report.Cached)
	}
	if report.Cached[0] != "https://tasks.example.com/index.html" || report.Cached[1] != "https://tasks.example.com/scripts/app.js" {
		t.Fatalf("unexpected cached order %v", report.Cached)
	}
	if len(report.Failed) != 2 {
		t.Fatalf("expected 2 failures, got %v", report.Failed)
	}
	if !w.SkipWaiting() {
		t.Fatal("install should request skip waiting")
	}
	names, _ := storage.Keys(context.Background())
	if len(names) != 1 || names[0] != "test-cache-v2" {
		t.Fatalf("expected single versioned bucket, got %v", names)
	}
}

func TestFetchServesCachedAssetWithoutNetwork(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://tasks.example.com/styles/style.css", 200, "body{}")
	w := newTestWorker(t, net, NewMemoryStorage(), "./styles/style.css")
	if _, err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	net.reset()

	resp, ok := w.Fetch(context.Background(), get(t, "https://tasks.example.com/styles/style.css"))
	if !ok {
		t.Fatal("GET should be intercepted")
	}
	if !resp.FromCache || string(resp.Body) != "body{}" {
		t.Fatalf("expected cached body, got %#v", resp)
	}
	if n := net.count(); n != 0 {
		t.Fatalf("expected zero network calls, got %d", n)
	}
}

func TestFetchCachesSameOriginMiss(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://tasks.example.com/data.json", 200, "{}")
	storage := NewMemoryStorage()
	w := newTestWorker(t, net, storage)
	ctx := context.Background()

	resp, ok := w.Fetch(ctx, get(t, "https://tasks.example.com/data.json"))
	if !ok || resp.FromCache || resp.Status != 200 {
		t.Fatalf("expected network response, got %#v", resp)
	}
	cached, err := storage.Match(ctx, "https://tasks.example.com/data.json")
	if err != nil || cached == nil {
		t.Fatalf("expected response to be cached, got %v %v", cached, err)
	}

	net.reset()
	resp, _ = w.Fetch(ctx, get(t, "https://tasks.example.com/data.json"))
	if !resp.FromCache || net.count() != 0 {
		t.Fatalf("second fetch should hit cache, calls=%d", net.count())
	}
}

func TestFetchDoesNotCacheCrossOrigin(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://cdn.example.net/lib.js", 200, "lib")
	storage := NewMemoryStorage()
	w := newTestWorker(t, net, storage)
	ctx := context.Background()

	resp, ok := w.Fetch(ctx, get(t, "https://cdn.example.net/lib.js"))
	if !ok || string(resp.Body) != "lib" {
		t.Fatalf("expected network body, got %#v", resp)
	}
	cached, err := storage.Match(ctx, "https://cdn.example.net/lib.js")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if cached != nil {
		t.Fatal("cross-origin response must not be cached")
	}
}

func TestFetchLookalikeHostIsCrossOrigin(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://tasks.example.com.evil.net/x", 200, "x")
	storage := NewMemoryStorage()
	w := newTestWorker(t, net, storage)
	w.Fetch(context.Background(), get(t, "https://tasks.example.com.evil.net/x"))
	if cached, _ := storage.Match(context.Background(), "https://tasks.example.com.evil.net/x"); cached != nil {
		t.Fatal("lookalike host must not be cached")
	}
}

func TestFetchDoesNotCacheErrorStatus(t *testing.T) {
	net := newStubNetwork()
	storage := NewMemoryStorage()
	w := newTestWorker(t, net, storage)
	resp, ok := w.Fetch(context.Background(), get(t, "https://tasks.example.com/nope"))
	if !ok || resp.Status != http.StatusNotFound {
		t.Fatalf("expected 404 passed through, got %#v", resp)
	}
	if cached, _ := storage.Match(context.Background(), "https://tasks.example.com/nope"); cached != nil {
		t.Fatal("404 must not be cached")
	}
}

func TestFetchNetworkFailureReturnsNetworkError(t *testing.T) {
	net := newStubNetwork()
	net.fail["https://tasks.example.com/offline"] = true
	w := newTestWorker(t, net, NewMemoryStorage())
	resp, ok := w.Fetch(context.Background(), get(t, "https://tasks.example.com/offline"))
	if !ok {
		t.Fatal("GET should be intercepted")
	}
	if !resp.IsError() {
		t.Fatalf("expected network error response, got %#v", resp)
	}
}

func TestFetchIgnoresNonGET(t *testing.T) {
	net := newStubNetwork()
	w := newTestWorker(t, net, NewMemoryStorage())
	req, _ := http.NewRequest(http.MethodPost, "https://tasks.example.com/api/tasks", nil)
	resp, ok := w.Fetch(context.Background(), req)
	if ok || resp != nil {
		t.Fatalf("POST must not be intercepted, got %#v", resp)
	}
	if net.count() != 0 {
		t.Fatalf("worker must not touch the network for POST, got %d calls", net.count())
	}
}

func TestActivateDeletesStaleBuckets(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	for _, name := range []string{"task-manager-cache-v1", "test-cache-v2", "other"} {
		if _, err := storage.Open(ctx, name); err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	w := newTestWorker(t, newStubNetwork(), storage)
	w.Clients().Lookup(uuid.NewString())
	w.Clients().Lookup(uuid.NewString())

	report, err := w.Activate(ctx)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	names, _ := storage.Keys(ctx)
	if len(names) != 1 || names[0] != "test-cache-v2" {
		t.Fatalf("expected only current bucket, got %v", names)
	}
	if len(report.Deleted) != 2 {
		t.Fatalf("expected 2 deleted, got %v", report.Deleted)
	}
	if report.Claimed != 2 {
		t.Fatalf("expected 2 clients claimed, got %d", report.Claimed)
	}
	for _, c := range w.Clients().List() {
		if !c.Controlled {
			t.Fatalf("client %s not controlled", c.ID)
		}
	}
	if c := w.Clients().Lookup(uuid.NewString()); !c.Controlled {
		t.Fatal("clients registered after claim should be controlled")
	}
}

func TestDiagnoseReportsMissingAssets(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://tasks.example.com/index.html", 200, "<html>")
	storage := NewMemoryStorage()
	_, _ = storage.Open(context.Background(), "old-cache")
	w := newTestWorker(t, net, storage, "./index.html", "./app.js")
	if _, err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	d, err := w.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if !d.SecureContext {
		t.Fatal("https origin is a secure context")
	}
	if d.Missing != 1 || !d.Assets[0].Cached || d.Assets[1].Cached {
		t.Fatalf("unexpected asset status %#v", d.Assets)
	}
	if len(d.Stale) != 1 || d.Stale[0] != "old-cache" {
		t.Fatalf("expected old-cache to be stale, got %v", d.Stale)
	}
}

func TestIsSecureOrigin(t *testing.T) {
	cases := []struct {
		scheme, host string
		want         bool
	}{
		{"https", "example.com", true},
		{"http", "localhost", true},
		{"http", "127.0.0.1", true},
		{"http", "example.com", false},
	}
	for _, c := range cases {
		if got := isSecureOrigin(c.scheme, c.host); got != c.want {
			t.Errorf("isSecureOrigin(%s, %s) = %v, want %v", c.scheme, c.host, got, c.want)
		}
	}
}

func TestFetchFallsBackToEntryStoredDuringFailure(t *testing.T) {
	storage := NewMemoryStorage()
	const target = "https://tasks.example.com/index.html"
	// The network fails, but an install running alongside stores the page
	// before the failure is reported.
	net := FetcherFunc(func(ctx context.Context, req *http.Request) (*Response, error) {
		bucket, err := storage.Open(ctx, "test-cache-v2")
		if err != nil {
			return nil, err
		}
		if err := bucket.Put(ctx, target, &Response{URL: target, Status: 200, Header: http.Header{}, Body: []byte("<html>")}); err != nil {
			return nil, err
		}
		return nil, errors.New("connection reset")
	})
	w := newTestWorker(t, net, storage)
	resp, ok := w.Fetch(context.Background(), get(t, target))
	if !ok || resp.IsError() || !resp.FromCache || string(resp.Body) != "<html>" {
		t.Fatalf("expected stored entry, got %#v", resp)
	}
}
