// Package obs owns process-wide observability: the root slog logger,
// optional OpenTelemetry tracing, and the Prometheus metrics endpoint.
package obs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds observability configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "medmirrord")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// LogLevel is the root logger level: debug, info, warn, error
	LogLevel string

	// LogFormat selects the handler: "json" (default) or "text"
	LogFormat string

	// MetricsPort is the port for the Prometheus metrics endpoint
	// Set to 0 to disable the metrics HTTP server
	MetricsPort int

	// Gatherer is the metrics source served on /metrics, typically the
	// engine collector's registry. Nil falls back to the default gatherer.
	Gatherer prometheus.Gatherer

	// EnableTracing enables OpenTelemetry tracing
	EnableTracing bool

	// TraceExporter specifies the trace exporter. Only "stdout" is
	// implemented; unknown values fall back to it with a warning.
	TraceExporter string
}

// Manager manages observability components (logging, tracing, metrics)
type Manager struct {
	config         *Config
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
	shutdownOnce   sync.Once
}

// NewManager creates a new observability manager
func NewManager(config *Config) *Manager {
	if config == nil {
		config = &Config{
			ServiceName:    "unknown",
			ServiceVersion: "0.0.0",
			TraceExporter:  "stdout",
		}
	}

	return &Manager{
		config: config,
		logger: buildLogger(config),
	}
}

// buildLogger constructs the root logger from the configured level and format
func buildLogger(config *Config) *slog.Logger {
	level := slog.LevelInfo
	if config.LogLevel != "" {
		if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
			level = slog.LevelInfo
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if config.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Logger returns the root logger.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// Initialize installs the root logger and sets up tracing and metrics
func (m *Manager) Initialize(ctx context.Context) error {
	slog.SetDefault(m.logger)

	m.logger.Info("initializing observability",
		"service_name", m.config.ServiceName,
		"service_version", m.config.ServiceVersion,
		"metrics_port", m.config.MetricsPort,
		"enable_tracing", m.config.EnableTracing)

	if m.config.EnableTracing {
		if err := m.initializeTracing(ctx); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		m.logger.Info("OpenTelemetry tracing initialized",
			"service_name", m.config.ServiceName,
			"exporter", m.config.TraceExporter)
	}

	if m.config.MetricsPort > 0 {
		if err := m.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		m.logger.Info("metrics server started",
			"port", m.config.MetricsPort,
			"endpoint", fmt.Sprintf("http://localhost:%d/metrics", m.config.MetricsPort))
	}

	return nil
}

// initializeTracing sets up OpenTelemetry tracing
func (m *Manager) initializeTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(m.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	if m.config.TraceExporter != "stdout" && m.config.TraceExporter != "" {
		m.logger.Warn("unsupported trace exporter, falling back to stdout",
			"exporter", m.config.TraceExporter)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(m.tracerProvider)

	return nil
}

// Tracer returns a tracer for the given name
func (m *Manager) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// metricsHandler builds the mux served by the metrics HTTP server
func (m *Manager) metricsHandler() http.Handler {
	gatherer := m.config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return mux
}

// startMetricsServer starts the HTTP server for Prometheus metrics
func (m *Manager) startMetricsServer() error {
	m.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.config.MetricsPort),
		Handler:           m.metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		m.logger.Info("metrics server listening", "port", m.config.MetricsPort)
		if err := m.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down observability components
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	m.shutdownOnce.Do(func() {
		m.logger.Info("shutting down observability components")

		if m.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
				m.logger.Error("failed to shutdown metrics server", "error", err)
				shutdownErr = fmt.Errorf("metrics server shutdown: %w", err)
			}
		}

		if m.tracerProvider != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := m.tracerProvider.Shutdown(shutdownCtx); err != nil {
				m.logger.Error("failed to shutdown tracer provider", "error", err)
				if shutdownErr == nil {
					shutdownErr = fmt.Errorf("tracer provider shutdown: %w", err)
				}
			}
		}
	})

	return shutdownErr
}

// DefaultConfig creates a default observability configuration
func DefaultConfig(serviceName, serviceVersion string) *Config {
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		LogLevel:       "info",
		LogFormat:      "json",
		TraceExporter:  "stdout",
	}
}
