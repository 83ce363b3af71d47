package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/medmirror/medmirror/pkg/checkpoint"
)

// DaemonConfig holds the daemon's runtime configuration
type DaemonConfig struct {
	// Control API
	Listen      string // Control API listen address (0.0.0.0:8960)
	MetricsPort int    // Prometheus metrics HTTP port (0 disables)

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // json or text

	// Tracing
	TracingEnabled bool
	TraceExporter  string // stdout

	// Source catalog
	CatalogPath string // Path to the source catalog YAML

	// Checkpoints
	CheckpointDSN string // sqlite://<path> or file://<dir>

	// Record store
	DatabaseURL string // postgres DSN; empty runs the in-memory store
	DBPoolSize  int

	// Fingerprint index
	RedisAddr string        // redis host:port; empty runs the in-memory index
	RedisTTL  time.Duration // fingerprint entry TTL in redis

	// Spool volume
	SpoolDir      string
	PauseBelowMB  uint64 // pause jobs when free space drops below (0 = package default)
	ResumeAboveMB uint64 // resume once free space recovers above (0 = package default)
	SpoolInterval time.Duration
	SpoolWatch    bool

	// Workers and batching
	ParseWorkers  int
	IngestWorkers int
	MaxBatch      int

	// Retry and failure budgets
	FailureBudget int
	FetchAttempts int
	FetchBase     time.Duration
	FetchMax      time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration

	// StartAll launches a sync job for every catalog source at boot
	StartAll bool
}

// setDefaults registers a default for every knob so a bare `medmirrord serve`
// runs against the in-memory store with a local spool.
func setDefaults() {
	viper.SetDefault("server.listen", "0.0.0.0:8960")
	viper.SetDefault("server.metrics_port", 9090)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.exporter", "stdout")

	viper.SetDefault("catalog.path", "catalog.yaml")

	viper.SetDefault("checkpoint.dsn", "")

	viper.SetDefault("storage.database_url", "")
	viper.SetDefault("storage.pool_size", 8)

	viper.SetDefault("dedup.redis_addr", "")
	viper.SetDefault("dedup.redis_ttl", "720h")

	viper.SetDefault("spool.dir", defaultSpoolDir())
	viper.SetDefault("spool.pause_below_mb", 0)
	viper.SetDefault("spool.resume_above_mb", 0)
	viper.SetDefault("spool.check_interval", "30s")
	viper.SetDefault("spool.watch", true)

	viper.SetDefault("engine.parse_workers", 4)
	viper.SetDefault("engine.ingest_workers", 4)
	viper.SetDefault("engine.max_batch", 500)
	viper.SetDefault("engine.failure_budget", 5)
	viper.SetDefault("engine.fetch_attempts", 5)
	viper.SetDefault("engine.fetch_base", "500ms")
	viper.SetDefault("engine.fetch_max", "30s")
	viper.SetDefault("engine.backoff_base", "1s")
	viper.SetDefault("engine.backoff_max", "5m")
	viper.SetDefault("engine.start_all", false)
}

// LoadDaemonConfig loads configuration from viper
func LoadDaemonConfig() (*DaemonConfig, error) {
	cfg := &DaemonConfig{
		Listen:      viper.GetString("server.listen"),
		MetricsPort: viper.GetInt("server.metrics_port"),

		LogLevel:  viper.GetString("logging.level"),
		LogFormat: viper.GetString("logging.format"),

		TracingEnabled: viper.GetBool("tracing.enabled"),
		TraceExporter:  viper.GetString("tracing.exporter"),

		CatalogPath: viper.GetString("catalog.path"),

		CheckpointDSN: viper.GetString("checkpoint.dsn"),

		DatabaseURL: viper.GetString("storage.database_url"),
		DBPoolSize:  viper.GetInt("storage.pool_size"),

		RedisAddr: viper.GetString("dedup.redis_addr"),
		RedisTTL:  viper.GetDuration("dedup.redis_ttl"),

		SpoolDir:      viper.GetString("spool.dir"),
		PauseBelowMB:  viper.GetUint64("spool.pause_below_mb"),
		ResumeAboveMB: viper.GetUint64("spool.resume_above_mb"),
		SpoolInterval: viper.GetDuration("spool.check_interval"),
		SpoolWatch:    viper.GetBool("spool.watch"),

		ParseWorkers:  viper.GetInt("engine.parse_workers"),
		IngestWorkers: viper.GetInt("engine.ingest_workers"),
		MaxBatch:      viper.GetInt("engine.max_batch"),

		FailureBudget: viper.GetInt("engine.failure_budget"),
		FetchAttempts: viper.GetInt("engine.fetch_attempts"),
		FetchBase:     viper.GetDuration("engine.fetch_base"),
		FetchMax:      viper.GetDuration("engine.fetch_max"),
		BackoffBase:   viper.GetDuration("engine.backoff_base"),
		BackoffMax:    viper.GetDuration("engine.backoff_max"),

		StartAll: viper.GetBool("engine.start_all"),
	}

	if cfg.CatalogPath == "" {
		return nil, fmt.Errorf("catalog.path is required")
	}
	if cfg.SpoolDir == "" {
		return nil, fmt.Errorf("spool.dir is required")
	}
	if cfg.ResumeAboveMB != 0 && cfg.ResumeAboveMB <= cfg.PauseBelowMB {
		return nil, fmt.Errorf("spool.resume_above_mb (%d) must sit above spool.pause_below_mb (%d)",
			cfg.ResumeAboveMB, cfg.PauseBelowMB)
	}

	return cfg, nil
}

// CheckpointConfig is the parsed checkpoint store selection
type CheckpointConfig struct {
	Type string // "sqlite" or "file"
	Path string
}

// ParseCheckpointDSN parses a checkpoint DSN string.
// Supported: sqlite://<path> and file://<dir>. An empty DSN defaults to a
// SQLite store under the user's medmirror directory.
func ParseCheckpointDSN(dsn string) (*CheckpointConfig, error) {
	if dsn == "" {
		return &CheckpointConfig{
			Type: "sqlite",
			Path: defaultCheckpointPath(),
		}, nil
	}

	if strings.HasPrefix(dsn, "sqlite://") {
		return &CheckpointConfig{Type: "sqlite", Path: strings.TrimPrefix(dsn, "sqlite://")}, nil
	}

	if strings.HasPrefix(dsn, "file://") {
		return &CheckpointConfig{Type: "file", Path: strings.TrimPrefix(dsn, "file://")}, nil
	}

	return nil, fmt.Errorf("unsupported checkpoint DSN: %s (supported: sqlite://, file://)", dsn)
}

// buildCheckpointStore opens the store described by a parsed DSN.
func buildCheckpointStore(cfg *CheckpointConfig) (checkpoint.Store, error) {
	if cfg.Type == "file" {
		fs, err := checkpoint.NewFileStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		return fs, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	ss, err := checkpoint.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return ss, nil
}

// defaultCheckpointPath returns the default SQLite checkpoint database path
func defaultCheckpointPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./medmirror-checkpoints.db"
	}
	dir := filepath.Join(homeDir, ".medmirror")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "./medmirror-checkpoints.db"
	}
	return filepath.Join(dir, "checkpoints.db")
}

// defaultSpoolDir returns the default spool volume directory
func defaultSpoolDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./medmirror-spool"
	}
	return filepath.Join(homeDir, ".medmirror", "spool")
}
