// Package api exposes the operator control surface: start, pause, resume,
// and inspect synchronization jobs, plus storage governor state. It is a
// plain JSON API; mirrored records are served elsewhere.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/medmirror/medmirror/pkg/catalog"
	"github.com/medmirror/medmirror/pkg/engine"
	"github.com/medmirror/medmirror/pkg/spool"
)

// JobController is the slice of the job manager the control surface drives.
type JobController interface {
	Start(sourceID string) (engine.JobStatus, error)
	Pause(sourceID string) error
	Resume(sourceID string) error
	Status(sourceID string) (engine.JobStatus, bool)
	StatusAll() []engine.JobStatus
	Health() engine.Health
}

// StorageReporter exposes spool volume state and the reclamation pass.
// *spool.Governor satisfies it.
type StorageReporter interface {
	Status() spool.Snapshot
	Cleanup(ctx context.Context) (spool.CleanupResult, error)
}

// Server wraps the Gin HTTP server for the control surface.
type Server struct {
	jobs    JobController
	cat     *catalog.Catalog
	storage StorageReporter
	logger  *slog.Logger

	router *gin.Engine
	server *http.Server
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithStorageReporter wires the spool governor into the storage endpoints.
func WithStorageReporter(sr StorageReporter) Option {
	return func(s *Server) { s.storage = sr }
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the control-surface HTTP server.
func NewServer(addr string, jobs JobController, cat *catalog.Catalog, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()

	s := &Server{
		jobs:   jobs,
		cat:    cat,
		logger: slog.Default(),
		router: router,
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	return s
}

// registerRoutes sets up all HTTP routes
func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	s.router.GET("/api/sources", s.handleListSources)
	s.router.GET("/api/sources/:id", s.handleSourceStatus)
	s.router.POST("/api/sources/:id/start", s.handleStart)
	s.router.POST("/api/sources/:id/pause", s.handlePause)
	s.router.POST("/api/sources/:id/resume", s.handleResume)

	s.router.GET("/api/jobs", s.handleJobs)

	s.router.GET("/api/storage", s.handleStorage)
	s.router.POST("/api/storage/cleanup", s.handleStorageCleanup)
}

// sourceSummary pairs a catalog entry with its job, when one exists.
type sourceSummary struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Endpoint string            `json:"endpoint,omitempty"`
	Job      *engine.JobStatus `json:"job,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.jobs.Health()

	status := "ok"
	storagePaused := false
	if s.storage != nil {
		storagePaused = s.storage.Status().Paused
	}
	if h.FailedJobs > 0 || storagePaused {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"jobs":           h,
		"storage_paused": storagePaused,
	})
}

func (s *Server) handleListSources(c *gin.Context) {
	out := make([]sourceSummary, 0, len(s.cat.Sources))
	for i := range s.cat.Sources {
		src := &s.cat.Sources[i]
		summary := sourceSummary{
			ID:       src.ID,
			Kind:     src.Kind,
			Endpoint: src.Endpoint,
		}
		if st, ok := s.jobs.Status(src.ID); ok {
			summary.Job = &st
		}
		out = append(out, summary)
	}
	c.JSON(http.StatusOK, gin.H{"sources": out})
}

func (s *Server) handleSourceStatus(c *gin.Context) {
	id := c.Param("id")
	src, ok := s.cat.Source(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source: " + id})
		return
	}

	summary := sourceSummary{ID: src.ID, Kind: src.Kind, Endpoint: src.Endpoint}
	if st, ok := s.jobs.Status(id); ok {
		summary.Job = &st
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleStart(c *gin.Context) {
	id := c.Param("id")

	st, err := s.jobs.Start(id)
	if err != nil {
		s.renderJobError(c, err)
		return
	}

	s.logger.Info("sync start requested", "source_id", id, "job_id", st.JobID)
	c.JSON(http.StatusAccepted, st)
}

func (s *Server) handlePause(c *gin.Context) {
	id := c.Param("id")

	if err := s.jobs.Pause(id); err != nil {
		s.renderJobError(c, err)
		return
	}

	s.logger.Info("sync pause requested", "source_id", id)
	st, _ := s.jobs.Status(id)
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleResume(c *gin.Context) {
	id := c.Param("id")

	if err := s.jobs.Resume(id); err != nil {
		s.renderJobError(c, err)
		return
	}

	s.logger.Info("sync resume requested", "source_id", id)
	st, _ := s.jobs.Status(id)
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.jobs.StatusAll()})
}

func (s *Server) handleStorage(c *gin.Context) {
	if s.storage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no storage governor configured"})
		return
	}
	c.JSON(http.StatusOK, s.storage.Status())
}

// cleanupResponse mirrors spool.CleanupResult with wire field names.
type cleanupResponse struct {
	RemovedFiles    int    `json:"removed_files"`
	CompressedFiles int    `json:"compressed_files"`
	ReclaimedBytes  uint64 `json:"reclaimed_bytes"`
}

func (s *Server) handleStorageCleanup(c *gin.Context) {
	if s.storage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no storage governor configured"})
		return
	}

	res, err := s.storage.Cleanup(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("storage cleanup requested",
		"removed_files", res.RemovedFiles,
		"compressed_files", res.CompressedFiles,
		"reclaimed_bytes", res.ReclaimedBytes)
	c.JSON(http.StatusOK, cleanupResponse{
		RemovedFiles:    res.RemovedFiles,
		CompressedFiles: res.CompressedFiles,
		ReclaimedBytes:  res.ReclaimedBytes,
	})
}

// renderJobError maps control errors onto HTTP statuses.
func (s *Server) renderJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownSource), errors.Is(err, engine.ErrNoJob):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrJobTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("control api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("control api shutting down")
	return s.server.Shutdown(ctx)
}
