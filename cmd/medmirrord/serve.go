package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/medmirror/medmirror/pkg/api"
	"github.com/medmirror/medmirror/pkg/catalog"
	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/dedup"
	"github.com/medmirror/medmirror/pkg/engine"
	"github.com/medmirror/medmirror/pkg/ingest"
	"github.com/medmirror/medmirror/pkg/obs"
	"github.com/medmirror/medmirror/pkg/retry"
	"github.com/medmirror/medmirror/pkg/source"
	"github.com/medmirror/medmirror/pkg/spool"
	"github.com/medmirror/medmirror/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mirror synchronization daemon",
	Long: `Run the mirror daemon: load the source catalog, open the checkpoint
and record stores, and serve the control API.

Jobs are started through the control API (or all at once with --start-all)
and survive restarts via per-source checkpoints.

Example:
  medmirrord serve
  medmirrord serve --catalog /etc/medmirror/catalog.yaml --start-all
  medmirrord serve --listen 0.0.0.0:8960 --db postgres://mirror@db/medmirror
`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "", "Control API listen address")
	serveCmd.Flags().IntP("metrics-port", "m", 0, "Prometheus metrics HTTP port (0 to disable)")
	serveCmd.Flags().String("catalog", "", "Source catalog YAML path")
	serveCmd.Flags().String("checkpoints", "", "Checkpoint DSN (sqlite://<path> or file://<dir>)")
	serveCmd.Flags().String("db", "", "Record store postgres DSN (empty: in-memory store)")
	serveCmd.Flags().String("redis", "", "Fingerprint index redis address (empty: in-memory index)")
	serveCmd.Flags().String("spool-dir", "", "Spool volume directory")
	serveCmd.Flags().Bool("start-all", false, "Start a sync job for every catalog source at boot")

	viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("server.metrics_port", serveCmd.Flags().Lookup("metrics-port"))
	viper.BindPFlag("catalog.path", serveCmd.Flags().Lookup("catalog"))
	viper.BindPFlag("checkpoint.dsn", serveCmd.Flags().Lookup("checkpoints"))
	viper.BindPFlag("storage.database_url", serveCmd.Flags().Lookup("db"))
	viper.BindPFlag("dedup.redis_addr", serveCmd.Flags().Lookup("redis"))
	viper.BindPFlag("spool.dir", serveCmd.Flags().Lookup("spool-dir"))
	viper.BindPFlag("engine.start_all", serveCmd.Flags().Lookup("start-all"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := LoadDaemonConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Metrics collector first so the observability manager can serve its
	// registry
	collector := engine.NewPrometheusMetricsCollector("medmirror")

	obsMgr := obs.NewManager(&obs.Config{
		ServiceName:    "medmirrord",
		ServiceVersion: version,
		LogLevel:       cfg.LogLevel,
		LogFormat:      cfg.LogFormat,
		MetricsPort:    cfg.MetricsPort,
		Gatherer:       collector.Registry(),
		EnableTracing:  cfg.TracingEnabled,
		TraceExporter:  cfg.TraceExporter,
	})
	if err := obsMgr.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer obsMgr.Shutdown(context.Background())

	logger := obsMgr.Logger()
	logger.Info("medmirrord starting", "version", version, "catalog", cfg.CatalogPath)

	cat, err := catalog.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	logger.Info("catalog loaded", "sources", len(cat.Sources))

	cps, err := openCheckpointStore(cfg, logger)
	if err != nil {
		return err
	}
	defer cps.Close()

	index, err := openFingerprintIndex(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer index.Close()

	ded := dedup.NewEngine(index, cat, logger)

	st, err := openRecordStore(ctx, cfg, ded, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	batcher := ingest.NewBatcher(st, ded, logger,
		ingest.WithWorkers(cfg.IngestWorkers),
		ingest.WithMaxBatch(cfg.MaxBatch))

	gov, err := openSpoolGovernor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer gov.Stop()

	pool := engine.NewPool(cfg.ParseWorkers)
	defer pool.Close()

	mgr := engine.NewManager(
		engine.WithCheckpointStore(cps),
		engine.WithBatcher(batcher),
		engine.WithStorageGovernor(gov),
		engine.WithWorkerPool(pool),
		engine.WithMetricsCollector(collector),
		engine.WithLogger(logger),
		engine.WithFailureBudget(cfg.FailureBudget),
		engine.WithFetchPolicy(retry.Policy{
			BaseDelay:      cfg.FetchBase,
			MaxDelay:       cfg.FetchMax,
			MaxAttempts:    cfg.FetchAttempts,
			JitterFraction: 0.25,
		}),
		engine.WithBackOff(cfg.BackoffBase, cfg.BackoffMax),
	)

	for i := range cat.Sources {
		src := &cat.Sources[i]
		adapter, err := source.New(ctx, src, source.Deps{Logger: logger})
		if err != nil {
			return fmt.Errorf("failed to build adapter for source %s: %w", src.ID, err)
		}
		mgr.Register(adapter)
		logger.Info("source registered", "source_id", src.ID, "kind", src.Kind)
	}

	apiSrv := api.NewServer(cfg.Listen, mgr, cat,
		api.WithStorageReporter(gov),
		api.WithLogger(logger))

	errChan := make(chan error, 1)
	go func() {
		if err := apiSrv.Start(); err != nil {
			errChan <- err
		}
	}()

	if cfg.StartAll {
		for i := range cat.Sources {
			id := cat.Sources[i].ID
			if _, err := mgr.Start(id); err != nil {
				logger.Error("failed to start sync job", "source_id", id, "error", err)
			}
		}
	}

	displayStartupBanner(cfg, cat)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown control api", "error", err)
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown job manager", "error", err)
		}

		return nil
	case err := <-errChan:
		return fmt.Errorf("control api error: %w", err)
	}
}

// openCheckpointStore builds the checkpoint store named by the DSN
func openCheckpointStore(cfg *DaemonConfig, logger *slog.Logger) (checkpoint.Store, error) {
	cpCfg, err := ParseCheckpointDSN(cfg.CheckpointDSN)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint DSN: %w", err)
	}

	cps, err := buildCheckpointStore(cpCfg)
	if err != nil {
		return nil, err
	}
	logger.Info("checkpoint store ready", "type", cpCfg.Type, "path", cpCfg.Path)
	return cps, nil
}

// openFingerprintIndex builds the dedup index, redis-backed when configured
func openFingerprintIndex(ctx context.Context, cfg *DaemonConfig, logger *slog.Logger) (dedup.Index, error) {
	if cfg.RedisAddr == "" {
		logger.Info("fingerprint index ready", "type", "memory")
		return dedup.NewMemoryIndex(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("fingerprint index ready", "type", "redis", "addr", cfg.RedisAddr)
	return dedup.NewRedisIndex(client, cfg.RedisTTL), nil
}

// openRecordStore builds the record store, in-memory unless a database is
// configured
func openRecordStore(ctx context.Context, cfg *DaemonConfig, ded *dedup.Engine, logger *slog.Logger) (store.RecordStore, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, mirrored records are held in memory only")
		return store.NewMemoryStore(ded.Merge), nil
	}

	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.DBPoolSize, ded.Merge, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	logger.Info("record store ready", "type", "postgres", "pool_size", cfg.DBPoolSize)
	return ps, nil
}

// openSpoolGovernor prepares the spool volume and starts its watcher
func openSpoolGovernor(ctx context.Context, cfg *DaemonConfig, logger *slog.Logger) (*spool.Governor, error) {
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	opts := []spool.Option{
		spool.WithInterval(cfg.SpoolInterval),
		spool.WithWatcher(cfg.SpoolWatch),
	}
	if cfg.PauseBelowMB > 0 && cfg.ResumeAboveMB > 0 {
		opts = append(opts, spool.WithThresholds(cfg.PauseBelowMB<<20, cfg.ResumeAboveMB<<20))
	}

	gov, err := spool.NewGovernor(cfg.SpoolDir, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build storage governor: %w", err)
	}
	if err := gov.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start storage governor: %w", err)
	}
	return gov, nil
}

func displayStartupBanner(cfg *DaemonConfig, cat *catalog.Catalog) {
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("  medmirrord %s\n", version)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("  Control API:    http://%s\n", cfg.Listen)
	if cfg.MetricsPort > 0 {
		fmt.Printf("  Metrics:        http://0.0.0.0:%d/metrics\n", cfg.MetricsPort)
	}
	fmt.Printf("  Catalog:        %s (%d sources)\n", cfg.CatalogPath, len(cat.Sources))
	fmt.Printf("  Spool:          %s\n", cfg.SpoolDir)
	if cfg.DatabaseURL == "" {
		fmt.Printf("  Record store:   in-memory (dev)\n")
	} else {
		fmt.Printf("  Record store:   postgres\n")
	}
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
}
