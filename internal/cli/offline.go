package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirbrooks/tasker/internal/config"
	"github.com/amirbrooks/tasker/internal/offline"
)

// offlineRuntime bundles a worker with the storage it owns.
type offlineRuntime struct {
	worker  *offline.Worker
	net     offline.Fetcher
	closeFn func() error
}

func (r *offlineRuntime) Close() error {
	if r.closeFn == nil {
		return nil
	}
	return r.closeFn()
}

// newOfflineRuntime builds the worker from config. A manifest file, when
// configured, owns the cache name because the name versions its asset
// list.
func newOfflineRuntime(cfg *config.Config, net offline.Fetcher, opts ...offline.Option) (*offlineRuntime, error) {
	origin, err := url.Parse(cfg.Offline.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: offline.origin: %v", offline.ErrInvalidConfig, err)
	}

	manifest := offline.DefaultManifest()
	manifest.Cache = cfg.Offline.CacheName
	if cfg.Offline.Manifest != "" {
		if manifest, err = offline.LoadManifest(cfg.Offline.Manifest); err != nil {
			return nil, fmt.Errorf("load manifest: %w", err)
		}
	}

	var (
		storage offline.Storage
		closeFn func() error
	)
	switch cfg.Offline.Storage {
	case "sqlite":
		s, err := offline.NewSQLiteStorage(cfg.Offline.DBPath)
		if err != nil {
			return nil, err
		}
		storage, closeFn = s, s.Close
	default:
		storage = offline.NewMemoryStorage()
	}

	if net == nil {
		net = offline.NewHTTPFetcher(&http.Client{Timeout: 30 * time.Second})
	}
	w, err := offline.NewWorker(offline.Config{
		CacheName:          manifest.Cache,
		Origin:             origin,
		Assets:             manifest.Assets,
		InstallConcurrency: cfg.Offline.InstallConcurrency,
	}, storage, net, opts...)
	if err != nil {
		if closeFn != nil {
			_ = closeFn()
		}
		return nil, err
	}
	return &offlineRuntime{worker: w, net: net, closeFn: closeFn}, nil
}

func newOfflineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offline",
		Short: "Run the offline cache worker",
		Long: `install pre-caches the app shell into the current versioned cache,
activate removes caches from older versions, status reports what would be
served offline, and proxy serves requests cache-first.`,
	}
	cmd.AddCommand(
		newOfflineInstallCmd(a),
		newOfflineActivateCmd(a),
		newOfflineStatusCmd(a),
		newOfflineProxyCmd(a),
	)
	return cmd
}

func (a *app) offlineRuntime() (*offlineRuntime, error) {
	return newOfflineRuntime(a.cfg, nil, offline.WithLogger(a.log))
}

// oneShotRuntime is offlineRuntime for commands that exit right away. A
// memory cache does not outlive them, so say so.
func (a *app) oneShotRuntime(cmd *cobra.Command) (*offlineRuntime, error) {
	if a.cfg.Offline.Storage == "memory" {
		a.log.Warn("offline.storage is memory; the cache is dropped when this command exits", "command", cmd.CommandPath())
	}
	return a.offlineRuntime()
}

func newOfflineInstallCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Fetch and cache every manifest asset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.oneShotRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			report, err := rt.worker.Install(cmd.Context())
			if err != nil {
				return err
			}
			return a.printInstall(report)
		},
	}
}

func (a *app) printInstall(report *offline.InstallReport) error {
	if a.gf.JSON {
		failed := make([]map[string]string, 0, len(report.Failed))
		for _, f := range report.Failed {
			failed = append(failed, map[string]string{"url": f.URL, "error": f.Err.Error()})
		}
		return a.writeJSON(map[string]any{"cache": report.Cache, "cached": report.Cached, "failed": failed})
	}
	if !a.gf.Quiet {
		fmt.Fprintf(a.out, "Cached %d assets into %s\n", len(report.Cached), report.Cache)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(a.out, "  failed %s: %v\n", f.URL, f.Err)
	}
	return nil
}

func newOfflineActivateCmd(a *app) *cobra.Command {
	var install bool
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Delete caches that do not match the current cache name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.oneShotRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			if install {
				report, err := rt.worker.Install(cmd.Context())
				if err != nil {
					return err
				}
				if err := a.printInstall(report); err != nil {
					return err
				}
			}
			report, err := rt.worker.Activate(cmd.Context())
			if err != nil {
				return err
			}
			if a.gf.JSON {
				deleted := report.Deleted
				if deleted == nil {
					deleted = []string{}
				}
				return a.writeJSON(map[string]any{"deleted": deleted, "claimed": report.Claimed})
			}
			if len(report.Deleted) == 0 {
				fmt.Fprintln(a.out, "No stale caches")
			}
			for _, name := range report.Deleted {
				fmt.Fprintln(a.out, "Deleted", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&install, "install", false, "Run install first")
	return cmd
}

func newOfflineStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cached and missing assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.oneShotRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			d, err := rt.worker.Diagnose(cmd.Context())
			if err != nil {
				return err
			}
			if a.gf.JSON {
				return a.writeJSON(d)
			}
			fmt.Fprintf(a.out, "Origin: %s\nCache: %s\n", d.Origin, d.Cache)
			for _, name := range d.Stale {
				fmt.Fprintf(a.out, "Stale: %s\n", name)
			}
			w := tabwriter.NewWriter(a.out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CACHED\tURL")
			for _, st := range d.Assets {
				mark := "no"
				if st.Cached {
					mark = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\n", mark, st.URL)
			}
			_ = w.Flush()
			fmt.Fprintf(a.out, "%d of %d assets missing\n", d.Missing, len(d.Assets))
			return nil
		},
	}
}

func newOfflineProxyCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Serve requests through the worker (reverse proxy or HTTP proxy)",
		Long: `Relative requests are resolved against offline.origin; absolute-form
requests (when tasker is configured as an HTTP proxy) keep their URL.
Clients are identified by a cookie and only controlled clients are served
from the cache.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.offlineRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := checkNotSelf(addr, rt.worker.Origin()); err != nil {
				return err
			}
			host := offline.NewHost(rt.worker.Origin(), rt.net, nil, a.log)
			host.Register(rt.worker)
			go func() {
				if err := host.Start(cmd.Context()); err != nil {
					a.log.Warn("worker not activated", "err", err)
				}
			}()
			return serveHandler(cmd.Context(), addr, host, a.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8081", "Listen address")
	return cmd
}

// checkNotSelf rejects an origin that points back at the listen address;
// every miss would loop through the proxy.
func checkNotSelf(addr string, origin *url.URL) error {
	if origin == nil {
		return nil
	}
	if origin.Host == addr {
		return usageError("offline.origin %s points at the listen address", origin)
	}
	return nil
}

// serveHandler listens on addr until ctx is cancelled.
func serveHandler(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
