// Package main provides the vcs2graph CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vcs2graph/internal/analysis"
	"vcs2graph/internal/checkpoint"
	"vcs2graph/internal/config"
	"vcs2graph/internal/export"
	"vcs2graph/internal/gitio"
	"vcs2graph/internal/graph"
	"vcs2graph/internal/pipeline"
)

// Version is the current vcs2graph version
var Version = "0.3.0"

var (
	configPath string
	repoFlag   string
	stateFlag  string
	verbose    bool
	logJSON    bool

	initForce bool
	runLimit  int
	runReset  bool
	logFrom   int
	logLimit  int
	logAsJSON bool
	verifyOut bool
)

var rootCmd = &cobra.Command{
	Use:   "vcs2graph",
	Short: "vcs2graph - structural evolution graphs from version control history",
	Long: `vcs2graph walks the history of a Git repository, analyzes every revision,
and folds the results into one graph whose elements keep a stable identity
across renames, with first-seen and last-seen revisions for each of them.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(newLogger())
	},
}

var initCmd = &cobra.Command{
	Use:   "init [repository]",
	Short: "Write a default configuration for a repository",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the revisions after the last checkpoint",
	Long: `Process the revisions after the last checkpoint.

Each revision is checked out into the work directory, analyzed, merged into
the evolution graph and checkpointed before the next one starts. Interrupting
a run (Ctrl-C) lets the current revision finish and be checkpointed, then
stops; a second interrupt aborts at once. Running again resumes after the
last checkpoint.

Examples:
  vcs2graph run                 # process everything new
  vcs2graph run --limit 50      # process at most 50 revisions
  vcs2graph run --reset         # discard the checkpoint and start over`,
	RunE: runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the checkpoint and graph size",
	RunE:  runStatus,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Rewrite the export directory from the checkpoint",
	RunE:  runExport,
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the per-revision deltas",
	RunE:  runLog,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "Path to the Git repository (overrides repository.path)")
	rootCmd.PersistentFlags().StringVar(&stateFlag, "state", "", "Path to the checkpoint database (overrides state)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON lines")

	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing configuration")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "Maximum number of revisions to process (0 = all)")
	runCmd.Flags().BoolVar(&runReset, "reset", false, "Discard the checkpoint and start from the first revision")
	logCmd.Flags().IntVar(&logFrom, "from", 0, "First revision to show")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 0, "Show only the last n entries (0 = all)")
	logCmd.Flags().BoolVar(&logAsJSON, "json", false, "Output as JSON")
	exportCmd.Flags().BoolVar(&verifyOut, "verify", false, "Only verify the export directory against its manifest")

	rootCmd.AddCommand(initCmd, runCmd, statusCmd, exportCmd, logCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if logJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// shortID safely truncates an ID string to 12 characters.
func shortID(s string) string {
	if len(s) >= 12 {
		return s[:12]
	}
	return s
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s not found. Run 'vcs2graph init' first", config.ErrConfiguration, configPath)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if repoFlag != "" {
		cfg.Repository.Path = repoFlag
	}
	if stateFlag != "" {
		cfg.State = stateFlag
	}
	if repoFlag != "" || stateFlag != "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*checkpoint.Store, error) {
	return checkpoint.Open(cfg.State, checkpoint.WithLogger(slog.Default()))
}

func runInit(cmd *cobra.Command, args []string) error {
	repo := "."
	if len(args) == 1 {
		repo = args[0]
	}
	abs, err := filepath.Abs(repo)
	if err != nil {
		return fmt.Errorf("resolving repository path: %w", err)
	}
	if _, err := gitio.Open(abs); err != nil {
		return err
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	rel := repo
	if r, err := filepath.Rel(filepath.Dir(mustAbs(configPath)), abs); err == nil {
		rel = filepath.ToSlash(r)
	}
	content := fmt.Sprintf(config.Template, filepath.Base(abs), rel)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}

	fmt.Printf("Wrote %s for repository %s\n", configPath, abs)
	fmt.Println("Edit the analyzers section, then run 'vcs2graph run'.")
	return nil
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	repo, err := gitio.Open(cfg.Repository.Path)
	if err != nil {
		return err
	}
	crawler, err := repo.Crawl(cfg.Repository.From, cfg.Repository.To)
	if err != nil {
		return err
	}

	matcher, err := cfg.ScopeMatcher()
	if err != nil {
		return fmt.Errorf("%w: scope: %w", config.ErrConfiguration, err)
	}
	runner, err := analysis.FromConfig(cfg, matcher, logger)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// Restore default signal handling so a second interrupt kills the
		// process instead of waiting for the revision in progress.
		<-ctx.Done()
		stop()
	}()

	if runReset {
		if err := store.Reset(ctx); err != nil {
			return err
		}
		logger.Info("checkpoint discarded", "state", cfg.State)
	}

	p := &pipeline.Pipeline{
		Crawler:  crawler,
		Analyzer: runner,
		Store:    store,
		Merger:   graph.NewMerger(matcher),
		Exporter: export.New(cfg.Export.Dir, cfg.Export.Compress),
		Workdir:  cfg.Workdir,
		Limit:    runLimit,
		Logger:   logger.With("repository", cfg.Repository.Name),
	}

	res, err := p.Run(ctx)
	if res != nil {
		printResult(res)
		if len(res.Unexported) > 0 {
			fmt.Printf("Export is missing %d revision(s); it is completed by the next run or by 'vcs2graph export'.\n", len(res.Unexported))
		}
	}
	if errors.Is(err, context.Canceled) {
		fmt.Println("Interrupted; run again to resume.")
		return nil
	}
	return err
}

func printResult(res *pipeline.Result) {
	stats := res.Graph.Stats()
	fmt.Printf("Processed %d revision(s)", res.Processed)
	if res.Incomplete > 0 {
		fmt.Printf(", %d with failed analysis", res.Incomplete)
	}
	fmt.Println()
	if res.Revision < 0 {
		fmt.Println("No revision merged yet.")
		return
	}
	fmt.Printf("Checkpoint at revision %d: %d active elements, %d active relations\n",
		res.Revision, stats.ActiveElements, stats.ActiveRelations)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cp, err := store.Load(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Repository: %s (%s)\n", cfg.Repository.Name, cfg.Repository.Path)
	fmt.Printf("State:      %s\n", store.Path())
	if cp == nil {
		fmt.Println("No checkpoint. Run 'vcs2graph run' to start.")
		return nil
	}

	stats := cp.Graph.Stats()
	fmt.Printf("Revision:   %d (%s)\n", cp.Revision, shortID(cp.CommitID))
	fmt.Printf("Run:        %s\n", cp.RunID)
	fmt.Printf("Updated:    %s\n", time.UnixMilli(cp.UpdatedAt).Format(time.RFC3339))
	fmt.Printf("Elements:   %d active, %d total\n", stats.ActiveElements, stats.Elements)
	fmt.Printf("Relations:  %d active, %d total\n", stats.ActiveRelations, stats.Relations)

	// Pending revisions need the repository; report them when it is reachable.
	repo, err := gitio.Open(cfg.Repository.Path)
	if err != nil {
		return nil
	}
	crawler, err := repo.Crawl(cfg.Repository.From, cfg.Repository.To)
	if err != nil {
		return nil
	}
	fmt.Printf("Pending:    %d revision(s)\n", crawler.Len()-cp.Revision-1)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if verifyOut {
		bad, err := export.Verify(cfg.Export.Dir)
		if err != nil {
			return err
		}
		if len(bad) > 0 {
			for _, name := range bad {
				fmt.Printf("mismatch: %s\n", name)
			}
			return fmt.Errorf("%d export file(s) do not match the manifest", len(bad))
		}
		fmt.Println("Export matches manifest.")
		return nil
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	cp, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("no checkpoint to export. Run 'vcs2graph run' first")
	}
	deltas, err := store.Deltas(ctx, 0)
	if err != nil {
		return err
	}

	x := export.New(cfg.Export.Dir, cfg.Export.Compress)
	for _, d := range deltas {
		if err := x.WriteDelta(d); err != nil {
			return err
		}
	}
	if err := x.WriteGraph(cp.Graph, cp.CommitID); err != nil {
		return err
	}
	fmt.Printf("Exported revision %d and %d delta(s) to %s\n", cp.Revision, len(deltas), cfg.Export.Dir)
	return nil
}

func runLog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	deltas, err := store.Deltas(cmd.Context(), logFrom)
	if err != nil {
		return err
	}
	if logLimit > 0 && len(deltas) > logLimit {
		deltas = deltas[len(deltas)-logLimit:]
	}

	if logAsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(deltas)
	}

	if len(deltas) == 0 {
		fmt.Println("No revisions merged.")
		return nil
	}
	for _, d := range deltas {
		fmt.Printf("r%-5d %s  +%d ~%d -%d  rel +%d -%d",
			d.Revision, shortID(d.CommitID),
			len(d.Added), len(d.Modified), len(d.Deleted),
			len(d.RelationsAdded), len(d.RelationsRemoved))
		if len(d.Anomalies) > 0 {
			fmt.Printf("  anomalies %d", len(d.Anomalies))
		}
		if d.Incomplete {
			fmt.Print("  (analysis failed)")
		}
		fmt.Println()
	}
	return nil
}
