package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

var ErrInvalidConfig = errors.New("invalid offline config")

type Config struct {
	// CacheName is the versioned bucket name; DefaultCacheName when empty.
	CacheName string
	// Origin is the worker's own origin, e.g. https://tasks.example.com.
	Origin *url.URL
	Assets []string
	// InstallConcurrency bounds parallel asset fetches during install.
	InstallConcurrency int
}

type Option func(*Worker)

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

func WithClients(c *Clients) Option {
	return func(w *Worker) {
		if c != nil {
			w.clients = c
		}
	}
}

// Worker is the offline cache: install pre-populates the current bucket,
// activate drops older buckets, and Fetch answers GETs cache-first.
type Worker struct {
	cfg     Config
	origin  *url.URL
	storage Storage
	net     Fetcher
	clients *Clients
	log     *slog.Logger

	skipWaiting atomic.Bool
}

func NewWorker(cfg Config, storage Storage, net Fetcher, opts ...Option) (*Worker, error) {
	if cfg.Origin == nil || cfg.Origin.Scheme == "" || cfg.Origin.Host == "" {
		return nil, fmt.Errorf("%w: origin must be an absolute URL", ErrInvalidConfig)
	}
	if storage == nil || net == nil {
		return nil, fmt.Errorf("%w: storage and network are required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.CacheName) == "" {
		cfg.CacheName = DefaultCacheName
	}
	if cfg.InstallConcurrency <= 0 {
		cfg.InstallConcurrency = 4
	}
	origin := *cfg.Origin
	origin.Path = strings.TrimRight(origin.Path, "/") + "/"
	origin.RawQuery = ""
	origin.Fragment = ""
	w := &Worker{
		cfg:     cfg,
		origin:  &origin,
		storage: storage,
		net:     net,
		clients: NewClients(),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Worker) CacheName() string { return w.cfg.CacheName }

func (w *Worker) Origin() *url.URL {
	u := *w.origin
	return &u
}

func (w *Worker) Assets() []string { return append([]string(nil), w.cfg.Assets...) }

func (w *Worker) Clients() *Clients { return w.clients }

func (w *Worker) Storage() Storage { return w.storage }

// SkipWaiting reports whether install asked to take over right away.
func (w *Worker) SkipWaiting() bool { return w.skipWaiting.Load() }

// ResolveURL resolves a manifest entry or request path against the
// worker origin. Absolute URLs are returned unchanged.
func (w *Worker) ResolveURL(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return w.origin.ResolveReference(ref), nil
}

// SameOrigin compares scheme, host and effective port with the worker
// origin.
func (w *Worker) SameOrigin(u *url.URL) bool {
	return sameOrigin(w.origin, u)
}

type AssetError struct {
	URL string
	Err error
}

func (e AssetError) Error() string { return e.URL + ": " + e.Err.Error() }

type InstallReport struct {
	Cache  string
	Cached []string
	Failed []AssetError
}

// Install opens the current bucket and tries every manifest asset on its
// own. A failing asset is recorded and logged; it never stops the others.
// The only error returned is failing to open the bucket.
func (w *Worker) Install(ctx context.Context) (*InstallReport, error) {
	bucket, err := w.storage.Open(ctx, w.cfg.CacheName)
	if err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}

	type result struct {
		url string
		err error
	}
	results := make([]result, len(w.cfg.Assets))
	sem := make(chan struct{}, w.cfg.InstallConcurrency)
	var wg sync.WaitGroup
	for i, asset := range w.cfg.Assets {
		wg.Add(1)
		go func(i int, asset string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			u, err := w.cacheAsset(ctx, bucket, asset)
			results[i] = result{url: u, err: err}
		}(i, asset)
	}
	wg.Wait()

	report := &InstallReport{Cache: w.cfg.CacheName}
	for _, r := range results {
		if r.err != nil {
			w.log.Warn("precache failed", "url", r.url, "err", r.err)
			report.Failed = append(report.Failed, AssetError{URL: r.url, Err: r.err})
			continue
		}
		report.Cached = append(report.Cached, r.url)
	}
	w.skipWaiting.Store(true)
	w.log.Info("installed", "cache", w.cfg.CacheName, "cached", len(report.Cached), "failed", len(report.Failed))
	return report, nil
}

func (w *Worker) cacheAsset(ctx context.Context, bucket Bucket, asset string) (string, error) {
	u, err := w.ResolveURL(asset)
	if err != nil {
		return asset, err
	}
	key := u.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return key, err
	}
	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		return key, err
	}
	if !resp.OK() {
		return key, fmt.Errorf("bad status %d", resp.Status)
	}
	if err := bucket.Put(ctx, key, resp); err != nil {
		return key, err
	}
	return key, nil
}

type ActivateReport struct {
	Deleted []string
	Claimed int
}

// Activate deletes every bucket except the current one and claims all
// clients.
func (w *Worker) Activate(ctx context.Context) (*ActivateReport, error) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("activate: %w", err)
	}
	report := &ActivateReport{}
	for _, name := range names {
		if name == w.cfg.CacheName {
			continue
		}
		ok, err := w.storage.Delete(ctx, name)
		if err != nil {
			return report, fmt.Errorf("activate: %w", err)
		}
		if ok {
			report.Deleted = append(report.Deleted, name)
			w.log.Info("deleted stale cache", "cache", name)
		}
	}
	report.Claimed = w.clients.Claim()
	return report, nil
}

// Fetch handles one request. Non-GET requests are not intercepted and
// the second return value is false. Intercepted requests always get a
// response, falling back to NetworkError.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*Response, bool) {
	if req.Method != http.MethodGet {
		return nil, false
	}
	key := req.URL.String()
	cached, err := w.storage.Match(ctx, key)
	if err != nil {
		w.log.Warn("cache lookup failed", "url", key, "err", err)
		cached = nil
	}
	if cached != nil {
		cached.FromCache = true
		return cached, true
	}

	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		w.log.Debug("network failed", "url", key, "err", err)
		// An install running alongside may have stored it meanwhile.
		if stale, _ := w.storage.Match(ctx, key); stale != nil {
			stale.FromCache = true
			return stale, true
		}
		return NetworkError(), true
	}

	if w.SameOrigin(req.URL) && resp.OK() {
		bucket, err := w.storage.Open(ctx, w.cfg.CacheName)
		if err == nil {
			err = bucket.Put(ctx, key, resp.Clone())
		}
		if err != nil {
			w.log.Warn("cache put failed", "url", key, "err", err)
		}
	}
	return resp, true
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}
