// Command mbsync exports the configuration of a BI server database (cards,
// dashboards, metrics, snippets and field metadata) to portable files in
// which server ids are replaced by names, and imports those files into
// another server.
//
// Usage:
//
//	mbsync export [fields|metrics|snippets|cards|dashboards|all ...]
//	mbsync import --collection NAME [fields|metrics|snippets|cards|dashboards|all ...]
//	mbsync check [dir]
//	mbsync snapshot [file]
//	mbsync provision [--import]
//	mbsync version
//
// Exit codes:
//
//	0  Success
//	1  One or more entities failed (or check found warnings with --strict)
//	2  Usage, configuration or input error
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/foundry-zero/mbsync/internal/config"
	"github.com/foundry-zero/mbsync/internal/logging"
	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/report"
	"github.com/foundry-zero/mbsync/internal/transfer"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

// errReported ends a run whose failures are already in a printed report.
var errReported = errors.New("failures reported")

// exitError carries an exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func inputError(err error) error {
	return &exitError{code: 2, err: err}
}

func failed(code int) error {
	return &exitError{code: code, err: errReported}
}

func run(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a := &app{stdout: stdout, stderr: stderr, getenv: getenv}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	code := 2
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	if !errors.Is(err, errReported) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

// app holds the global flags and what setup builds from them.
type app struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	configPath string
	dryRun     bool
	verbose    bool
	workers    int
	dataDir    string
	format     string

	cfg    *config.Config
	logger *slog.Logger
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:               "mbsync",
		Short:             "Move BI server configuration between servers by name",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", config.DefaultFile, "config file")
	pf.BoolVar(&a.dryRun, "dry-run", false, "read from the servers but send no writes")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log requests and other debug output")
	pf.IntVar(&a.workers, "workers", 0, "concurrent requests for cards and fields (default from config)")
	pf.StringVar(&a.dataDir, "data-dir", "", "directory exported files live in (default from config)")
	pf.StringVar(&a.format, "format", "text", "report format: text or json")

	root.AddCommand(
		a.exportCommand(),
		a.importCommand(),
		a.checkCommand(),
		a.snapshotCommand(),
		a.provisionCommand(),
		a.versionCommand(),
	)
	return root
}

// setup loads the config, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.format != "text" && a.format != "json" {
		return usageError("invalid format %q (use text or json)", a.format)
	}
	cfg, err := config.Load(a.configPath, a.getenv)
	if err != nil {
		return inputError(err)
	}
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Workers = a.workers
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = a.dataDir
	}
	if a.dryRun {
		cfg.DryRun = true
	}
	if a.verbose {
		cfg.Log.Level = logging.LevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return inputError(err)
	}
	a.cfg = cfg
	a.logger = logging.New(logging.Config{
		Level:   cfg.Log.Level,
		JSON:    cfg.Log.JSON,
		Writer:  a.stderr,
		Service: "mbsync",
	})
	return nil
}

func (a *app) client(e *config.Endpoint) *metabase.Client {
	return metabase.New(e.URL, e.Username, e.Password,
		metabase.WithTimeout(a.cfg.Timeout),
		metabase.WithRateLimit(a.cfg.RateLimit),
		metabase.WithDryRun(a.cfg.DryRun),
		metabase.WithLogger(a.logger),
	)
}

func (a *app) logout(c *metabase.Client) {
	if err := c.Logout(context.Background()); err != nil {
		a.logger.Warn("logout failed", "error", err)
	}
}

func (a *app) options(o transfer.Options) transfer.Options {
	o.Workers = a.cfg.Workers
	o.Logger = a.logger
	return o
}

// finish prints r and turns its errors into exit code 1.
func (a *app) finish(r *report.Report) error {
	if err := a.print(r); err != nil {
		return err
	}
	if r.HasErrors() {
		return failed(1)
	}
	return nil
}

// print outputs reports in the selected format.
func (a *app) print(reports ...*report.Report) error {
	for _, r := range reports {
		switch a.format {
		case "json":
			data, err := report.FormatJSON(r)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, string(data))
		default:
			fmt.Fprint(a.stdout, report.FormatText(r))
		}
	}
	return nil
}

// hasInputError returns true if the report contains an INPUT error.
func hasInputError(r *report.Report) bool {
	for _, e := range r.Errors {
		if e.Rule == report.RuleInput {
			return true
		}
	}
	return false
}
