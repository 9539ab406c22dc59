package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amirbrooks/tasker/internal/config"
	"github.com/amirbrooks/tasker/internal/offline"
	"github.com/amirbrooks/tasker/internal/store"
)

// isolate points config discovery at empty temp directories.
func isolate(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("TASKER_ROOT", root)
	t.Setenv("HOME", t.TempDir())
	return root
}

func execute(t *testing.T, stdin string, args ...string) (string, string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, strings.NewReader(stdin), &out, &errOut)
	return out.String(), errOut.String(), code
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{store.ErrNotFound, ExitNotFound},
		{&store.MatchConflictError{Prefix: "a"}, ExitConflict},
		{store.ErrInvalid, ExitUsage},
		{config.ErrInvalid, ExitUsage},
		{offline.ErrInvalidConfig, ExitUsage},
		{usageError("bad"), ExitUsage},
		{errors.New("boom"), ExitInternal},
	}
	for _, c := range cases {
		if got := exitCode(c.err); got != c.want {
			t.Errorf("exitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestRunVersionJSON(t *testing.T) {
	isolate(t)
	out, _, code := execute(t, "", "--json", "version")
	if code != ExitOK {
		t.Fatalf("expected exit 0, got %d", code)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if v["version"] != Version {
		t.Fatalf("unexpected version %v", v)
	}
}

func TestRunShellFromStdin(t *testing.T) {
	isolate(t)
	out, errOut, code := execute(t, "add Ship it -p high\nstats\n", "--plain", "shell")
	if code != ExitOK {
		t.Fatalf("expected exit 0, got %d (%s)", code, errOut)
	}
	if !strings.Contains(out, "Added tsk_") || !strings.Contains(out, "1 task • 1 active • 0 completed") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRunShellFailFast(t *testing.T) {
	isolate(t)
	out, errOut, code := execute(t, "show nothing\nadd never\n", "--plain", "shell", "--fail-fast", "--no-prompt")
	if code != ExitNotFound {
		t.Fatalf("expected exit %d, got %d", ExitNotFound, code)
	}
	if strings.Contains(out, "Added") {
		t.Fatalf("commands after the failure must not run, got %q", out)
	}
	if strings.Count(errOut, "not found") != 1 {
		t.Fatalf("error should be reported once, got %q", errOut)
	}
}

func TestRunInvalidConfigIsUsageError(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("offline:\n  storage: redis\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, errOut, code := execute(t, "", "--config", path, "version")
	if code != ExitUsage {
		t.Fatalf("expected usage exit, got %d (%s)", code, errOut)
	}
}

func TestRunInitWritesConfigOnce(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "tasker.yaml")
	if _, errOut, code := execute(t, "", "--config", path, "init"); code != ExitOK {
		t.Fatalf("init failed with %d: %s", code, errOut)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, _, code := execute(t, "", "--config", path, "init"); code != ExitConflict {
		t.Fatalf("second init should conflict, got %d", code)
	}
	if _, _, code := execute(t, "", "--config", path, "init", "--force"); code != ExitOK {
		t.Fatalf("forced init failed with %d", code)
	}
}

func TestNewOfflineRuntimeUsesManifestCache(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "manifest.yaml")
	content := "cache: shell-v9\nassets:\n  - ./\n  - ./index.html\n"
	if err := os.WriteFile(manifest, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Offline.Origin = "https://tasks.example.com"
	cfg.Offline.Manifest = manifest
	cfg.Offline.Storage = "memory"

	var fetched []string
	net := offline.FetcherFunc(func(_ context.Context, req *http.Request) (*offline.Response, error) {
		fetched = append(fetched, req.URL.String())
		return &offline.Response{URL: req.URL.String(), Status: http.StatusOK, Header: http.Header{}, Body: []byte("ok")}, nil
	})
	cfg.Offline.InstallConcurrency = 1

	rt, err := newOfflineRuntime(cfg, net)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	defer rt.Close()
	if rt.worker.CacheName() != "shell-v9" {
		t.Fatalf("expected manifest cache name, got %s", rt.worker.CacheName())
	}
	report, err := rt.worker.Install(context.Background())
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(report.Cached) != 2 || len(fetched) != 2 {
		t.Fatalf("expected 2 cached assets, got %v (fetched %v)", report.Cached, fetched)
	}
}

func TestNewOfflineRuntimeSQLite(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Offline.Origin = "https://tasks.example.com"
	cfg.Offline.Storage = "sqlite"
	cfg.Offline.DBPath = filepath.Join(t.TempDir(), "offline.db")

	rt, err := newOfflineRuntime(cfg, offline.FetcherFunc(func(context.Context, *http.Request) (*offline.Response, error) {
		return nil, errors.New("offline")
	}))
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	if rt.worker.CacheName() != "task-manager-cache-v3" {
		t.Fatalf("expected configured cache name, got %s", rt.worker.CacheName())
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(cfg.Offline.DBPath); err != nil {
		t.Fatalf("expected database file: %v", err)
	}
}

func TestNewOfflineRuntimeRejectsRelativeOrigin(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Offline.Origin = "/app"
	cfg.Offline.Storage = "memory"
	if _, err := newOfflineRuntime(cfg, nil); !errors.Is(err, offline.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCheckNotSelf(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:8080")
	if err := checkNotSelf("127.0.0.1:8080", u); exitCode(err) != ExitUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
	if err := checkNotSelf("127.0.0.1:9090", u); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRunOfflineStatusSeesEarlierInstall(t *testing.T) {
	root := isolate(t)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("asset " + r.URL.Path))
	}))
	defer origin.Close()

	manifest := filepath.Join(root, "manifest.yaml")
	if err := os.WriteFile(manifest, []byte("cache: shell-v1\nassets:\n  - ./index.html\n  - ./app.js\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKER_OFFLINE_ORIGIN", origin.URL)
	t.Setenv("TASKER_OFFLINE_MANIFEST", manifest)

	if _, errOut, code := execute(t, "", "--quiet", "offline", "install"); code != ExitOK {
		t.Fatalf("install exited %d: %s", code, errOut)
	}
	out, errOut, code := execute(t, "", "--json", "offline", "status")
	if code != ExitOK {
		t.Fatalf("status exited %d: %s", code, errOut)
	}
	var d offline.Diagnosis
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if d.Missing != 0 || len(d.Assets) != 2 {
		t.Fatalf("expected both assets cached by the earlier install, got %+v", d)
	}
	if _, err := os.Stat(filepath.Join(root, "offline.db")); err != nil {
		t.Fatalf("expected cache database under TASKER_ROOT: %v", err)
	}
}

func TestRunOfflineStatusWarnsAboutMemoryStorage(t *testing.T) {
	isolate(t)
	t.Setenv("TASKER_OFFLINE_STORAGE", "memory")
	_, errOut, code := execute(t, "", "offline", "status")
	if code != ExitOK {
		t.Fatalf("status exited %d: %s", code, errOut)
	}
	if !strings.Contains(errOut, "cache is dropped when this command exits") {
		t.Fatalf("expected memory storage warning, got %q", errOut)
	}
}
