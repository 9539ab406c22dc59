package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/amirbrooks/tasker/internal/store"
)

const shellPrompt = "tasker> "

var errQuit = errors.New("quit")

// Shell runs line commands against one store. The store lives as long as
// the shell.
type Shell struct {
	store  *store.Store
	out    io.Writer
	errOut io.Writer
	opts   store.RenderOptions
	json   bool
	log    *slog.Logger
}

func NewShell(st *store.Store, out, errOut io.Writer, opts store.RenderOptions, jsonOut bool, logger *slog.Logger) *Shell {
	if st == nil {
		st = store.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Shell{store: st, out: out, errOut: errOut, opts: opts, json: jsonOut, log: logger}
}

func (s *Shell) Store() *store.Store { return s.store }

// Run reads commands from in until EOF, quit, or ctx is done. Command
// errors are printed and the loop goes on unless failFast is set.
func (s *Shell) Run(ctx context.Context, in io.Reader, prompt, failFast bool) error {
	readCtx, stop := context.WithCancel(ctx)
	defer stop()
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		defer close(lines)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-readCtx.Done():
				scanErr <- nil
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		if prompt {
			fmt.Fprint(s.out, shellPrompt)
		}
		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			if prompt {
				fmt.Fprintln(s.out)
			}
			return ctx.Err()
		case line, ok = <-lines:
		}
		if !ok {
			break
		}
		args, err := splitArgs(line)
		if err != nil {
			fmt.Fprintln(s.errOut, "parse:", err)
			if failFast {
				return &exitError{code: ExitUsage, err: err, silent: true}
			}
			continue
		}
		if len(args) == 0 || strings.HasPrefix(args[0], "#") {
			continue
		}
		err = s.Exec(args)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			s.report(args[0], err)
			if failFast {
				return &exitError{code: exitCode(err), err: err, silent: true}
			}
		}
	}
	if prompt {
		fmt.Fprintln(s.out)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return <-scanErr
}

func (s *Shell) report(cmd string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintf(s.errOut, "%s: not found\n", cmd)
	case errors.Is(err, store.ErrConflict):
		fmt.Fprintf(s.errOut, "%s: ambiguous id prefix\n", cmd)
		var mc *store.MatchConflictError
		if errors.As(err, &mc) {
			for _, t := range mc.Matches {
				fmt.Fprintf(s.errOut, "  %s  %s\n", t.ID, t.Text)
			}
		}
	default:
		fmt.Fprintf(s.errOut, "%s: %v\n", cmd, err)
	}
}

// Exec runs one parsed command line.
func (s *Shell) Exec(args []string) error {
	cmd, rest := strings.ToLower(args[0]), args[1:]
	s.log.Debug("shell command", "cmd", cmd, "args", len(rest))
	switch cmd {
	case "add":
		return s.cmdAdd(rest)
	case "ls", "list":
		return s.cmdList(rest)
	case "show":
		return s.cmdShow(rest)
	case "edit":
		return s.cmdEdit(rest)
	case "desc":
		return s.cmdDesc(rest)
	case "pri", "priority":
		return s.cmdPriority(rest)
	case "cat":
		return s.cmdCategory(rest)
	case "toggle", "done":
		return s.cmdToggle(cmd, rest)
	case "rm", "delete":
		return s.cmdDelete(rest)
	case "clear":
		return s.cmdClear()
	case "filter":
		return s.cmdFilter(rest)
	case "category":
		return s.cmdCategoryFilter(rest)
	case "categories":
		return s.cmdCategories()
	case "stats":
		return s.cmdStats()
	case "help", "?":
		s.printHelp()
		return nil
	case "quit", "exit", "q":
		return errQuit
	default:
		return usageError("unknown command %q (try help)", cmd)
	}
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.out, `Commands:
  add <text> [-p low|normal|high] [-c category] [-d description]
  ls [--pretty|--yaml|--json]   List visible tasks
  show <id>                     Show a task with its rendered description
  edit <id> <text>              Replace the task text
  desc <id> [text]              Set or clear the description
  pri <id> <low|normal|high>    Set the priority
  cat <id> [category]           Set or clear the category
  toggle|done <id>              Flip completion
  rm <id>                       Delete a task
  clear                         Remove all completed tasks
  filter [all|active|completed] Show or set the status filter
  category [name]               Set the category filter, no name clears it
  categories                    List categories in use
  stats                         Totals
  quit
Ids may be shortened to any unique prefix.
`)
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (s *Shell) cmdAdd(args []string) error {
	fs := newFlagSet("add")
	priority := fs.StringP("priority", "p", "normal", "Priority (low|normal|high)")
	category := fs.StringP("category", "c", "", "Category")
	desc := fs.StringP("desc", "d", "", "Description (markdown)")
	if err := fs.Parse(args); err != nil {
		return usageError("%v", err)
	}
	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		return usageError(`usage: add "<text>" [-p high] [-c work] [-d "notes"]`)
	}
	pri, ok := priorityArg(*priority)
	if !ok {
		return fmt.Errorf("%w: unknown priority %q", store.ErrInvalid, *priority)
	}
	t, err := s.store.AddTask(store.AddTaskInput{
		Text:        text,
		Priority:    string(pri),
		Category:    *category,
		Description: *desc,
	})
	if err != nil {
		return err
	}
	if s.json {
		return s.writeJSON(map[string]any{"task": t})
	}
	fmt.Fprintf(s.out, "Added %s\n", t.ID)
	return nil
}

func (s *Shell) cmdList(args []string) error {
	fs := newFlagSet("ls")
	pretty := fs.Bool("pretty", false, "One styled line per task")
	asYAML := fs.Bool("yaml", false, "YAML output")
	asJSON := fs.Bool("json", false, "JSON output")
	if err := fs.Parse(args); err != nil {
		return usageError("%v", err)
	}
	tasks := s.store.VisibleTasks()
	if tasks == nil {
		tasks = []store.Task{}
	}
	payload := map[string]any{
		"tasks":          tasks,
		"filter":         s.store.Filter(),
		"category":       s.store.CategoryFilter(),
		"completedCount": s.store.CompletedCount(),
	}

	switch {
	case *asJSON || s.json:
		return s.writeJSON(payload)
	case *asYAML:
		b, err := yaml.Marshal(payload)
		if err != nil {
			return err
		}
		_, err = s.out.Write(b)
		return err
	case s.opts.Plain:
		fmt.Fprintln(s.out, "ID\tST\tPRI\tCATEGORY\tTEXT")
		for _, t := range tasks {
			fmt.Fprintf(s.out, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.StatusAbbrev(), t.PriorityAbbrev(), dashIfEmpty(t.Category), t.Text)
		}
	case *pretty:
		for _, t := range tasks {
			fmt.Fprintln(s.out, store.RenderLine(t, s.opts))
		}
	default:
		w := tabwriter.NewWriter(s.out, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tST\tPRI\tCATEGORY\tTEXT")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.IDShort(12), t.StatusAbbrev(), t.PriorityAbbrev(), dashIfEmpty(t.Category), t.Text)
		}
		_ = w.Flush()
	}
	fmt.Fprintln(s.out, store.StatsLine(s.store.Stats()))
	return nil
}

func dashIfEmpty(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func (s *Shell) resolve(args []string, usage string) (store.Task, []string, error) {
	if len(args) < 1 {
		return store.Task{}, nil, usageError("usage: %s", usage)
	}
	t, err := s.store.Resolve(args[0])
	if err != nil {
		return store.Task{}, nil, err
	}
	return t, args[1:], nil
}

func (s *Shell) cmdShow(args []string) error {
	t, _, err := s.resolve(args, "show <id>")
	if err != nil {
		return err
	}
	if s.json {
		return s.writeJSON(map[string]any{"task": t})
	}
	fmt.Fprint(s.out, store.RenderHuman(t, s.opts))
	return nil
}

func (s *Shell) cmdEdit(args []string) error {
	t, rest, err := s.resolve(args, "edit <id> <text>")
	if err != nil {
		return err
	}
	if err := s.store.EditText(t.ID, strings.Join(rest, " ")); err != nil {
		return err
	}
	return s.printTask("Updated", t.ID)
}

func (s *Shell) cmdDesc(args []string) error {
	t, rest, err := s.resolve(args, "desc <id> [text]")
	if err != nil {
		return err
	}
	if err := s.store.EditDescription(t.ID, strings.Join(rest, " ")); err != nil {
		return err
	}
	return s.printTask("Updated", t.ID)
}

func (s *Shell) cmdPriority(args []string) error {
	t, rest, err := s.resolve(args, "pri <id> <low|normal|high>")
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return usageError("usage: pri <id> <low|normal|high>")
	}
	p, ok := priorityArg(rest[0])
	if !ok {
		return fmt.Errorf("%w: unknown priority %q", store.ErrInvalid, rest[0])
	}
	if err := s.store.EditPriority(t.ID, p); err != nil {
		return err
	}
	return s.printTask("Updated", t.ID)
}

// priorityArg takes the canonical names plus the short forms typed at the
// prompt.
func priorityArg(arg string) (store.Priority, bool) {
	switch strings.TrimSpace(strings.ToLower(arg)) {
	case "l":
		return store.PriorityLow, true
	case "n", "med", "medium":
		return store.PriorityNormal, true
	case "h":
		return store.PriorityHigh, true
	}
	return store.ParsePriority(arg)
}

func (s *Shell) cmdCategory(args []string) error {
	t, rest, err := s.resolve(args, "cat <id> [category]")
	if err != nil {
		return err
	}
	if err := s.store.EditCategory(t.ID, strings.Join(rest, " ")); err != nil {
		return err
	}
	return s.printTask("Updated", t.ID)
}

func (s *Shell) cmdToggle(name string, args []string) error {
	t, _, err := s.resolve(args, name+" <id>")
	if err != nil {
		return err
	}
	done, err := s.store.ToggleComplete(t.ID)
	if err != nil {
		return err
	}
	if done {
		return s.printTask("Completed", t.ID)
	}
	return s.printTask("Reopened", t.ID)
}

func (s *Shell) cmdDelete(args []string) error {
	t, _, err := s.resolve(args, "rm <id>")
	if err != nil {
		return err
	}
	if err := s.store.Delete(t.ID); err != nil {
		return err
	}
	if s.json {
		return s.writeJSON(map[string]any{"deleted": t.ID})
	}
	fmt.Fprintf(s.out, "Deleted %s\n", t.ID)
	return nil
}

func (s *Shell) cmdClear() error {
	n := s.store.ClearCompleted()
	if s.json {
		return s.writeJSON(map[string]any{"removed": n})
	}
	fmt.Fprintf(s.out, "Cleared %d completed\n", n)
	return nil
}

func (s *Shell) cmdFilter(args []string) error {
	if len(args) > 0 {
		s.store.SetFilter(store.ParseFilter(args[0]))
	}
	if s.json {
		return s.writeJSON(map[string]any{"filter": s.store.Filter(), "category": s.store.CategoryFilter()})
	}
	fmt.Fprintf(s.out, "Filter: %s\n", s.store.Filter())
	return nil
}

func (s *Shell) cmdCategoryFilter(args []string) error {
	s.store.SetCategoryFilter(strings.TrimSpace(strings.Join(args, " ")))
	if s.json {
		return s.writeJSON(map[string]any{"filter": s.store.Filter(), "category": s.store.CategoryFilter()})
	}
	if c := s.store.CategoryFilter(); c != "" {
		fmt.Fprintf(s.out, "Category filter: %s\n", c)
	} else {
		fmt.Fprintln(s.out, "Category filter cleared")
	}
	return nil
}

func (s *Shell) cmdCategories() error {
	cats := s.store.Categories()
	if s.json {
		if cats == nil {
			cats = []string{}
		}
		return s.writeJSON(map[string]any{"categories": cats})
	}
	for _, c := range cats {
		fmt.Fprintln(s.out, c)
	}
	return nil
}

func (s *Shell) cmdStats() error {
	st := s.store.Stats()
	if s.json {
		return s.writeJSON(st)
	}
	fmt.Fprintln(s.out, store.StatsLine(st))
	return nil
}

func (s *Shell) printTask(verb, id string) error {
	t, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if s.json {
		return s.writeJSON(map[string]any{"task": t})
	}
	fmt.Fprintf(s.out, "%s %s\n", verb, store.RenderLine(t, s.opts))
	return nil
}

func (s *Shell) writeJSON(payload any) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// splitArgs splits a command line on whitespace, honoring single and
// double quotes and backslash escapes inside double quotes.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote != 0:
			switch {
			case r == quote:
				quote = 0
			case r == '\\' && quote == '"':
				escaped = true
			default:
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == '\\':
			escaped = true
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if escaped {
		cur.WriteRune('\\')
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}

func newShellCmd(a *app) *cobra.Command {
	var (
		failFast bool
		noPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive task session (tasks live until the shell exits)",
		Long: `Reads commands from stdin. The task list and filters are kept in memory
for the lifetime of the shell. Type "help" for the command list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sh := NewShell(store.New(), a.out, a.errOut, a.renderOptions(), a.gf.JSON, a.log)
			prompt := !noPrompt && !a.gf.Quiet && !a.gf.JSON
			err := sh.Run(cmd.Context(), a.in, prompt, failFast)
			if errors.Is(err, context.Canceled) {
				a.log.Debug("shell interrupted")
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop at the first failing command and exit with its code")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Do not print the prompt")
	return cmd
}
