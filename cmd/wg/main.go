package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/workgate/internal/config"
	"github.com/steveyegge/workgate/internal/engine"
	"github.com/steveyegge/workgate/internal/gates"
	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/storage/sqlite"
	"github.com/steveyegge/workgate/internal/telemetry"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	dbPath      string
	actor       string
	jsonOutput  bool
	verboseFlag bool

	cfg         config.Config
	store       *sqlite.SQLiteStorage
	api         engine.API
	projectLock *storage.ProjectLock

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// writesAnnotation marks commands that take the project write lock
const writesAnnotation = "writes"

var writes = map[string]string{writesAnnotation: "true"}

var rootCmd = &cobra.Command{
	Use:   "wg",
	Short: "wg - quality-gated work tracker",
	Long: `Tracks work items and their tasks through a fixed lifecycle.
No unit changes status unless its structure, dependencies, blockers and
quality gates allow it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		if isNoDbCommand(cmd) {
			return
		}
		if err := openProject(cmd); err != nil {
			fatal(err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeProject()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: auto-discover .workgate/*.db)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "Actor name for the audit trail (default: $WG_ACTOR or $USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")
}

// isNoDbCommand reports whether cmd runs without opening a project database.
func isNoDbCommand(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "init", "help", "version", "completion":
		return true
	}
	return cmd.Parent() != nil && cmd.Parent().Name() == "policy"
}

// openProject discovers the database, loads configuration, and builds the engine.
func openProject(cmd *cobra.Command) error {
	project, err := storage.Locate(dbPath)
	if err != nil {
		return err
	}

	projectDir := project.Root
	if project.InMemory() {
		projectDir = "."
	}
	loaded, err := config.Load(projectDir)
	if err != nil {
		return err
	}
	cfg = loaded
	if dbPath == "" && os.Getenv(storage.DBPathEnv) == "" && cfg.DBPath != "" {
		if project, err = storage.FromDBPath(cfg.DBPath); err != nil {
			return err
		}
	}
	path := project.DBPath

	level := cfg.SlogLevel()
	if verboseFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := telemetry.Init(rootCtx, telemetry.Options{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Version:  Version,
	}); err != nil {
		return err
	}

	if cmd.Annotations[writesAnnotation] == "true" {
		projectLock = storage.NewProjectLock(path)
		if err := projectLock.Acquire(rootCtx, cmd.CommandPath(), cfg.LockTimeout); err != nil {
			return err
		}
	}

	store, err = sqlite.New(rootCtx, path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	evaluator, err := gates.NewEvaluator(rootCtx, &gates.Config{
		Thresholds:  cfg.CoverageThresholds,
		PoliciesDir: cfg.PoliciesDir,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	e, err := engine.New(rootCtx, &engine.Config{
		Store:           store,
		Gates:           evaluator,
		CancelledBlocks: !cfg.CancelledSatisfiesDeps,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	api = telemetry.WrapEngine(e)
	if cwd, err := os.Getwd(); err == nil && !project.Contains(cwd) {
		logger.Warn("working directory is outside the project", "project", project.Root, "cwd", cwd)
	}
	logger.Debug("project open", "db", path, "config", cfg.String())
	return nil
}

func closeProject() {
	if store != nil {
		_ = store.Close()
		store = nil
	}
	if projectLock != nil {
		_ = projectLock.Release()
		projectLock = nil
	}
	telemetry.Shutdown(context.Background())
	if rootCancel != nil {
		rootCancel()
	}
}

// getActor returns the --actor flag, then $WG_ACTOR, then $USER.
func getActor() string {
	if actor != "" {
		return actor
	}
	if v := os.Getenv("WG_ACTOR"); v != "" {
		return v
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the wg version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wg version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
