package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/amirbrooks/tasker/internal/config"
)

type check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and the offline cache",
		Long:  `Runs diagnostic checks on the configuration and the offline cache and reports pass/fail for each.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var checks []check
			add := func(name string, ok bool, detail string) {
				checks = append(checks, check{Name: name, OK: ok, Detail: detail})
			}

			paths := config.DefaultPaths(a.gf.Config)
			add("global config", exists(paths.Global), "run: tasker init")
			if paths.Project != "" && exists(paths.Project) {
				add("project config", true, "")
			}

			rt, err := a.oneShotRuntime(cmd)
			if err != nil {
				add("offline worker", false, err.Error())
				return a.printChecks(checks)
			}
			defer rt.Close()
			add("offline worker", true, "")

			if a.cfg.Offline.Storage == "sqlite" {
				add("cache database", exists(a.cfg.Offline.DBPath), fmt.Sprintf("created at %s", a.cfg.Offline.DBPath))
			} else {
				add("persistent cache", false, "offline.storage is memory, set it to sqlite")
			}

			d, err := rt.worker.Diagnose(cmd.Context())
			if err != nil {
				add("cache readable", false, err.Error())
				return a.printChecks(checks)
			}
			add("cache readable", true, "")
			add("secure origin", d.SecureContext, fmt.Sprintf("%s is neither https nor loopback", d.Origin))
			add("current cache present", contains(d.Buckets, d.Cache), "run: tasker offline install")
			add("no stale caches", len(d.Stale) == 0, fmt.Sprintf("%d stale, run: tasker offline activate", len(d.Stale)))
			add("assets cached", d.Missing == 0, fmt.Sprintf("%d of %d missing", d.Missing, len(d.Assets)))
			return a.printChecks(checks)
		},
	}
}

func (a *app) printChecks(checks []check) error {
	if a.gf.JSON {
		return a.writeJSON(map[string]any{"checks": checks})
	}
	passed, failed := 0, 0
	for _, c := range checks {
		if c.OK {
			fmt.Fprintf(a.out, "  ✓ %s\n", c.Name)
			passed++
		} else {
			fmt.Fprintf(a.out, "  ✗ %s (%s)\n", c.Name, c.Detail)
			failed++
		}
	}
	fmt.Fprintln(a.out)
	fmt.Fprintf(a.out, "Results: %d passed, %d failed\n", passed, failed)
	return nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(filepath.Clean(path))
	return err == nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
