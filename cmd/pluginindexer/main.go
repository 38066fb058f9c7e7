// Command pluginindexer reconciles a local plugin catalogue against an
// upstream plugin repository and emits a static catalogue from the
// result.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/plugin-registry/pluginindexer/internal/catalog"
	"github.com/plugin-registry/pluginindexer/internal/config"
	"github.com/plugin-registry/pluginindexer/internal/dispatcher"
	"github.com/plugin-registry/pluginindexer/internal/engine"
	"github.com/plugin-registry/pluginindexer/internal/metrics"
	"github.com/plugin-registry/pluginindexer/internal/repoclient"
	"github.com/plugin-registry/pluginindexer/internal/stats"
	"github.com/plugin-registry/pluginindexer/internal/store"
	"github.com/plugin-registry/pluginindexer/pkg/logger"
)

// version and commit are overridden at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "pluginindexer",
		Short: "Reconciles a local plugin catalogue against an upstream plugin repository",
		Long: `pluginindexer incrementally discovers plugins and versions from an
upstream plugin repository, resolves downloadable update artifacts and
their content hashes, persists the result to an embedded store, and
emits a static catalogue from what it finds.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		// Flag registration can only fail due to a programming error
		// (a duplicate flag name), not anything runtime-dependent.
		panic(err)
	}

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pluginindexer %s (%s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := logger.NewRunID()
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx, logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: "stdout",
	}))

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	st, err := store.Open(ctx, cfg.Database, log, metricsReg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if !cfg.NoSync {
		if err := sync(ctx, cfg, st, metricsReg, log); err != nil {
			return fmt.Errorf("reconciliation: %w", err)
		}
	}

	if !cfg.NoGenerate {
		gen := catalog.New(catalog.NewStore(st), cfg.OutputDirectory, log)
		if err := gen.Generate(ctx); err != nil {
			return fmt.Errorf("generate catalogue: %w", err)
		}
	}

	return nil
}

func sync(ctx context.Context, cfg config.Config, st *store.Store, metricsReg *metrics.Registry, log *slog.Logger) error {
	repo, err := repoclient.New(repoclient.Config{
		BaseURL:                cfg.RepositoryURL,
		MaxSmallConcurrency:    int64(cfg.MaxParallelSmallRequests),
		MaxLargeConcurrency:    int64(cfg.MaxParallelLargeRequests),
		PluginDetailsCacheSize: 4096,
	}, metricsReg)
	if err != nil {
		return fmt.Errorf("build repo client: %w", err)
	}

	accountant := stats.New(log, metricsReg)
	d := dispatcher.New(accountant.Sender(), metricsReg)
	eng := engine.New(engine.NewStore(st), repo, d, accountant, log, cfg.PruneDependencies)

	snapshot, syncErr := eng.Sync(ctx)
	report(log, snapshot)
	return syncErr
}

func report(log *slog.Logger, snap stats.Snapshot) {
	log.Info("sync finished",
		"succeeded", snap.Successes,
		"failed", len(snap.Failures),
		"problems", len(snap.Problems),
	)
	for _, f := range snap.Failures {
		log.Error("task failed", "task", f.Task, "error", f.Err)
	}
	for _, p := range snap.Problems {
		log.Warn("task reported a problem", "task", p.Task, "error", p.Err)
	}
}
