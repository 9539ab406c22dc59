package cli

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/amirbrooks/tasker/internal/offline"
	"github.com/amirbrooks/tasker/internal/server"
	"github.com/amirbrooks/tasker/internal/store"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr        string
		withOffline bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task list over a JSON API",
		Long: `Serves one in-memory task list under /api until interrupted.
With --offline every other path goes through the offline cache worker,
which pre-caches the app shell from offline.origin on startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			if !a.gf.Verbose {
				gin.SetMode(gin.ReleaseMode)
			}
			opts := []server.Option{server.WithLogger(a.log)}

			if withOffline {
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
				opts = append(opts, server.WithOffline(host))
				go func() {
					if err := host.Start(cmd.Context()); err != nil {
						a.log.Warn("worker not activated", "err", err)
					}
				}()
			}

			return server.New(store.New(), opts...).Run(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: server.addr)")
	cmd.Flags().BoolVar(&withOffline, "offline", false, "Mount the offline cache worker for non-API paths")
	return cmd
}
