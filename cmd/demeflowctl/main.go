package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"demeflow/internal/config"
	api "demeflow/pkg/demeflow"
)

const defaultExportsDir = "exports"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := newRootCommand(os.Stdout, os.Stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type globalFlags struct {
	logLevel   string
	store      string
	dbPath     string
	runsDir    string
	exportsDir string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "demeflowctl",
		Short:         "Ancestral state reconstruction under the structured coalescent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	defaults := config.Default()
	pf := root.PersistentFlags()
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&flags.store, "store", defaults.Store, "store backend: memory or sqlite")
	pf.StringVar(&flags.dbPath, "db", defaults.SQLitePath, "sqlite database path")
	pf.StringVar(&flags.runsDir, "runs-dir", defaults.ArtifactsDir, "run artifacts directory")
	pf.StringVar(&flags.exportsDir, "exports-dir", defaultExportsDir, "default export directory")

	root.AddCommand(
		newReconstructCommand(flags),
		newRunsCommand(flags),
		newShowCommand(flags),
		newExportCommand(flags),
		newRatesCommand(flags),
		newDeleteCommand(flags),
	)
	return root
}

// newLogger writes human-readable logs on a terminal and JSON otherwise.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// openClient opens the client for commands that take no run config; the
// DEMEFLOW_* environment still selects the store and runs directory.
func openClient(cmd *cobra.Command, flags *globalFlags) (*api.Client, error) {
	cfg, err := config.Read("")
	if err != nil {
		return nil, err
	}
	return openClientWith(cmd, flags, cfg)
}

func openClientWith(cmd *cobra.Command, flags *globalFlags, cfg config.Run) (*api.Client, error) {
	flags = withRunConfig(cmd, flags, cfg)
	logger, err := newLogger(cmd.ErrOrStderr(), flags.logLevel)
	if err != nil {
		return nil, err
	}
	client, err := api.New(api.Options{
		StoreKind:  flags.store,
		DBPath:     flags.dbPath,
		RunsDir:    flags.runsDir,
		ExportsDir: flags.exportsDir,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Init(cmd.Context()); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// withRunConfig returns the global flags with the store and artifacts
// settings of cfg filled in wherever the flag was not set explicitly.
func withRunConfig(cmd *cobra.Command, flags *globalFlags, cfg config.Run) *globalFlags {
	merged := *flags
	changed := cmd.Flags().Changed
	if !changed("store") && cfg.Store != "" {
		merged.store = cfg.Store
	}
	if !changed("db") && cfg.SQLitePath != "" {
		merged.dbPath = cfg.SQLitePath
	}
	if !changed("runs-dir") && cfg.ArtifactsDir != "" {
		merged.runsDir = cfg.ArtifactsDir
	}
	return &merged
}

func addRunRefFlags(cmd *cobra.Command, ref *api.RunRef) {
	cmd.Flags().StringVar(&ref.RunID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&ref.Latest, "latest", false, "use the most recent run from the run index")
	cmd.MarkFlagsMutuallyExclusive("run-id", "latest")
	cmd.MarkFlagsOneRequired("run-id", "latest")
}
