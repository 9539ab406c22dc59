package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amirbrooks/tasker/internal/config"
	"github.com/amirbrooks/tasker/internal/offline"
	"github.com/amirbrooks/tasker/internal/store"
)

// Exit codes
const (
	ExitOK       = 0
	ExitUsage    = 2
	ExitNotFound = 3
	ExitConflict = 4
	ExitInternal = 10
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

type GlobalFlags struct {
	Config  string
	JSON    bool
	Plain   bool
	Quiet   bool
	Verbose bool
}

// exitError carries an explicit exit code through cobra. Silent errors
// have already been reported.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{code: ExitUsage, err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, store.ErrConflict):
		return ExitConflict
	case errors.Is(err, store.ErrInvalid),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, offline.ErrInvalidConfig):
		return ExitUsage
	default:
		return ExitInternal
	}
}

// app is the state shared by one invocation's commands.
type app struct {
	gf     GlobalFlags
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg *config.Config
	log *slog.Logger
}

func Run(args []string) int {
	return run(args, os.Stdin, os.Stdout, os.Stderr)
}

func run(args []string, in io.Reader, out, errOut io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{in: in, out: out, errOut: errOut}
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	var ee *exitError
	if err != nil && !(errors.As(err, &ee) && ee.silent) {
		fmt.Fprintln(errOut, "tasker:", err)
	}
	return exitCode(err)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "tasker",
		Short: "tasker - a small task manager with an offline cache worker",
		Long: `tasker keeps a session task list (shell), serves it over a JSON API (serve)
and runs the offline cache worker that keeps the app shell available
without a network (offline).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.Version = Version

	pf := root.PersistentFlags()
	pf.StringVar(&a.gf.Config, "config", "", "Config file (default: ~/.tasker/config.yaml and ./.tasker/config.yaml)")
	pf.BoolVar(&a.gf.JSON, "json", false, "Write JSON to stdout")
	pf.BoolVar(&a.gf.Plain, "plain", false, "Plain output without colors or markdown rendering")
	pf.BoolVarP(&a.gf.Quiet, "quiet", "q", false, "Only log warnings and errors")
	pf.BoolVarP(&a.gf.Verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newShellCmd(a),
		newServeCmd(a),
		newOfflineCmd(a),
		newDoctorCmd(a),
		newInitCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) setup() error {
	a.log = newLogger(a.errOut, a.gf)
	cfg, err := config.Load(a.gf.Config)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log.Debug("config loaded", "storage", cfg.Offline.Storage, "origin", cfg.Offline.Origin)
	return nil
}

func newLogger(w io.Writer, gf GlobalFlags) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case gf.Verbose:
		level = slog.LevelDebug
	case gf.Quiet:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (a *app) renderOptions() store.RenderOptions {
	opts := store.RenderOptions{Plain: a.gf.Plain}
	if a.cfg != nil {
		opts.Style = a.cfg.UI.Style
		opts.Width = a.cfg.UI.Width
	}
	return opts
}

func (a *app) writeJSON(payload any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tasker version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.gf.JSON {
				return a.writeJSON(map[string]string{"version": Version})
			}
			fmt.Fprintln(a.out, "tasker", Version)
			return nil
		},
	}
}

func newInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config to ~/.tasker/config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPaths(a.gf.Config).Global
			if a.gf.Config != "" {
				path = a.gf.Config
			}
			if _, err := os.Stat(path); err == nil && !force {
				return &exitError{code: ExitConflict, err: fmt.Errorf("%s already exists (use --force)", path)}
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			if !a.gf.Quiet {
				fmt.Fprintln(a.out, "Wrote", path)
			}
			return nil
		},
	}
	// init must work before any config exists.
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		a.log = newLogger(a.errOut, a.gf)
		return nil
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
