package offline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestHost(t *testing.T, net *stubNetwork, assets ...string) (*Host, *Worker) {
	t.Helper()
	w := newTestWorker(t, net, NewMemoryStorage(), assets...)
	h := NewHost(w.Origin(), net, nil, nil)
	h.Register(w)
	return h, w
}

func serve(h http.Handler, method, target string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func clientCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == ClientCookie {
			return c
		}
	}
	return nil
}

func TestHostStartRunsInstallThenActivate(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://tasks.example.com/index.html", 200, "<html>")
	h, _ := newTestHost(t, net, "./index.html")

	var order []string
	h.On(EventInstall, func(context.Context) error { order = append(order, "install"); return nil })
	h.On(EventActivate, func(context.Context) error { order = append(order, "activate"); return nil })

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.State() != StateActivated {
		t.Fatalf("expected activated, got %s", h.State())
	}
	if strings.Join(order, ",") != "install,activate" {
		t.Fatalf("unexpected order %v", order)
	}
	if err := h.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestHostFailedInstallIsRedundant(t *testing.T) {
	h := NewHost(mustURL(t, "https://tasks.example.com"), newStubNetwork(), nil, nil)
	h.On(EventInstall, func(context.Context) error { return errors.New("disk full") })
	if err := h.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if h.State() != StateRedundant {
		t.Fatalf("expected redundant, got %s", h.State())
	}
}

func TestHostServesFromCacheAfterActivation(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://tasks.example.com/index.html", 200, "<html>")
	h, _ := newTestHost(t, net, "./index.html")

	first := serve(h, http.MethodGet, "/index.html", nil)
	if first.Header().Get("X-Tasker-Cache") != "miss" {
		t.Fatalf("request before activation should go to network, got %q", first.Header().Get("X-Tasker-Cache"))
	}
	cookie := clientCookie(first)
	if cookie == nil {
		t.Fatal("expected client cookie")
	}

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	net.reset()

	rec := serve(h, http.MethodGet, "/index.html", cookie)
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Tasker-Cache") != "hit" {
		t.Fatalf("expected cache hit, got %q", rec.Header().Get("X-Tasker-Cache"))
	}
	if net.count() != 0 {
		t.Fatalf("expected zero network calls, got %d", net.count())
	}
}

func TestHostPassesNonGETThrough(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://tasks.example.com/api/tasks", 201, "created")
	h, _ := newTestHost(t, net)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := serve(h, http.MethodPost, "/api/tasks", nil)
	if rec.Code != 201 || rec.Body.String() != "created" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if net.count() != 1 || !strings.HasPrefix(net.calls[0], "POST ") {
		t.Fatalf("expected one POST on the network, got %v", net.calls)
	}
}

func TestHostNetworkErrorIsBadGateway(t *testing.T) {
	net := newStubNetwork()
	net.fail["https://tasks.example.com/down"] = true
	h, _ := newTestHost(t, net)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := serve(h, http.MethodGet, "/down", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHostProxyModeKeepsAbsoluteURL(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://cdn.example.net/lib.js", 200, "lib")
	h, w := newTestHost(t, net)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := serve(h, http.MethodGet, "https://cdn.example.net/lib.js", nil)
	if rec.Body.String() != "lib" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if cached, _ := w.Storage().Match(context.Background(), "https://cdn.example.net/lib.js"); cached != nil {
		t.Fatal("cross-origin response must not be cached")
	}
}

func TestHostDoesNotRememberCookielessRequests(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://tasks.example.com/index.html", 200, "<html>")
	h, _ := newTestHost(t, net, "./index.html")
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 1000; i++ {
		rec := serve(h, http.MethodGet, "/index.html", nil)
		if clientCookie(rec) == nil {
			t.Fatalf("request %d: expected client cookie", i)
		}
	}
	if n := h.Clients().Len(); n != 0 {
		t.Fatalf("expected no remembered clients, got %d", n)
	}

	cookie := clientCookie(serve(h, http.MethodGet, "/index.html", nil))
	rec := serve(h, http.MethodGet, "/index.html", cookie)
	if clientCookie(rec) != nil {
		t.Fatal("returning client should keep its cookie")
	}
	if n := h.Clients().Len(); n != 1 {
		t.Fatalf("expected returning client to be registered, got %d", n)
	}
}

func TestHostReplacesMalformedClientCookie(t *testing.T) {
	net := newStubNetwork()
	net.serve("https://tasks.example.com/index.html", 200, "<html>")
	h, _ := newTestHost(t, net)

	rec := serve(h, http.MethodGet, "/index.html", &http.Cookie{Name: ClientCookie, Value: "not-a-uuid"})
	c := clientCookie(rec)
	if c == nil || c.Value == "not-a-uuid" {
		t.Fatalf("expected a replacement cookie, got %v", c)
	}
	if n := h.Clients().Len(); n != 0 {
		t.Fatalf("malformed id should not be registered, got %d", n)
	}
}
