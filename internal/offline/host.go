package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
)

type Event string

const (
	EventInstall  Event = "install"
	EventActivate Event = "activate"
	EventFetch    Event = "fetch"
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// ClientCookie carries the client id between requests.
const ClientCookie = "tasker_client"

var ErrAlreadyStarted = errors.New("host already started")

type LifecycleHandler func(ctx context.Context) error

// FetchHandler returns false to leave the request to the next handler and
// finally to the network.
type FetchHandler func(ctx context.Context, req *http.Request) (*Response, bool)

// Host plays the runtime around a worker: it fires install and activate in
// order, waiting for every handler, then dispatches a fetch event per
// request. Requests are served concurrently.
type Host struct {
	origin  *url.URL
	net     Fetcher
	clients *Clients
	log     *slog.Logger

	mu       sync.RWMutex
	state    State
	install  []LifecycleHandler
	activate []LifecycleHandler
	fetch    []FetchHandler
}

func NewHost(origin *url.URL, net Fetcher, clients *Clients, logger *slog.Logger) *Host {
	if clients == nil {
		clients = NewClients()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Host{origin: origin, net: net, clients: clients, log: logger}
}

// Register wires a worker's three phases to the host events. The host
// adopts the worker's client registry so activate's claim applies here.
func (h *Host) Register(w *Worker) {
	h.mu.Lock()
	h.clients = w.Clients()
	h.mu.Unlock()
	h.On(EventInstall, func(ctx context.Context) error {
		_, err := w.Install(ctx)
		return err
	})
	h.On(EventActivate, func(ctx context.Context) error {
		_, err := w.Activate(ctx)
		return err
	})
	h.OnFetch(w.Fetch)
}

// On adds a handler for install or activate. Handlers for other events
// are ignored.
func (h *Host) On(ev Event, fn LifecycleHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch ev {
	case EventInstall:
		h.install = append(h.install, fn)
	case EventActivate:
		h.activate = append(h.activate, fn)
	}
}

func (h *Host) OnFetch(fn FetchHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetch = append(h.fetch, fn)
}

func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Host) Clients() *Clients {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients
}

// Start runs install then activate. A failing install makes the worker
// redundant and requests keep going straight to the network.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateParsed {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.state = StateInstalling
	install := append([]LifecycleHandler(nil), h.install...)
	activate := append([]LifecycleHandler(nil), h.activate...)
	h.mu.Unlock()

	if err := runAll(ctx, install); err != nil {
		h.setState(StateRedundant)
		return fmt.Errorf("install: %w", err)
	}
	h.setState(StateInstalled)

	h.setState(StateActivating)
	if err := runAll(ctx, activate); err != nil {
		h.setState(StateRedundant)
		return fmt.Errorf("activate: %w", err)
	}
	h.setState(StateActivated)
	h.log.Info("worker activated", "origin", h.origin.String())
	return nil
}

func (h *Host) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func runAll(ctx context.Context, fns []LifecycleHandler) error {
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch runs the fetch handlers for req when the worker is active and
// the client is controlled, otherwise or when no handler intercepts it
// goes to the network.
func (h *Host) Dispatch(ctx context.Context, client Client, req *http.Request) *Response {
	h.mu.RLock()
	active := h.state == StateActivated
	handlers := h.fetch
	h.mu.RUnlock()

	if active && client.Controlled {
		for _, fn := range handlers {
			if resp, ok := fn(ctx, req); ok {
				return resp
			}
		}
	}
	resp, err := h.net.Fetch(ctx, req)
	if err != nil {
		h.log.Debug("passthrough failed", "method", req.Method, "url", req.URL.String(), "err", err)
		return NetworkError()
	}
	return resp
}

func (h *Host) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	target := r.URL
	if !target.IsAbs() {
		target = h.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	req := r.Clone(r.Context())
	req.URL = target
	req.Host = target.Host
	req.RequestURI = ""

	var clientID string
	if c, err := r.Cookie(ClientCookie); err == nil {
		clientID = c.Value
	}
	client := h.Clients().Lookup(clientID)
	if client.ID != clientID {
		http.SetCookie(rw, &http.Cookie{Name: ClientCookie, Value: client.ID, Path: "/", HttpOnly: true})
	}

	resp := h.Dispatch(r.Context(), client, req)
	writeResponse(rw, resp)
}

func writeResponse(rw http.ResponseWriter, resp *Response) {
	if resp.IsError() {
		http.Error(rw, "network error", http.StatusBadGateway)
		return
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	if resp.FromCache {
		rw.Header().Set("X-Tasker-Cache", "hit")
	} else {
		rw.Header().Set("X-Tasker-Cache", "miss")
	}
	rw.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	rw.WriteHeader(resp.Status)
	_, _ = rw.Write(resp.Body)
}
