package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medmirror/medmirror/pkg/catalog"
	"github.com/medmirror/medmirror/pkg/engine"
	"github.com/medmirror/medmirror/pkg/spool"
)

// mockJobs is a scriptable JobController for handler tests
type mockJobs struct {
	mu sync.Mutex

	statuses map[string]engine.JobStatus
	health   engine.Health

	startErr  error
	pauseErr  error
	resumeErr error

	startCalls  []string
	pauseCalls  []string
	resumeCalls []string
}

func newMockJobs() *mockJobs {
	return &mockJobs{statuses: make(map[string]engine.JobStatus)}
}

func (m *mockJobs) Start(sourceID string) (engine.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls = append(m.startCalls, sourceID)
	if m.startErr != nil {
		return engine.JobStatus{}, m.startErr
	}
	st, ok := m.statuses[sourceID]
	if !ok {
		st = engine.JobStatus{JobID: "job-" + sourceID, SourceID: sourceID, State: engine.JobStateQueued}
		m.statuses[sourceID] = st
	}
	return st, nil
}

func (m *mockJobs) Pause(sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseCalls = append(m.pauseCalls, sourceID)
	return m.pauseErr
}

func (m *mockJobs) Resume(sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeCalls = append(m.resumeCalls, sourceID)
	return m.resumeErr
}

func (m *mockJobs) Status(sourceID string) (engine.JobStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[sourceID]
	return st, ok
}

func (m *mockJobs) StatusAll() []engine.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]engine.JobStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	return out
}

func (m *mockJobs) Health() engine.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *mockJobs) started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.startCalls...)
}

// stubStorage is a canned StorageReporter
type stubStorage struct {
	snap       spool.Snapshot
	cleanup    spool.CleanupResult
	cleanupErr error
}

func (s *stubStorage) Status() spool.Snapshot { return s.snap }

func (s *stubStorage) Cleanup(context.Context) (spool.CleanupResult, error) {
	return s.cleanup, s.cleanupErr
}

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Sources: []catalog.Source{
			{ID: "registry-a", Kind: "trials", Endpoint: "https://registry-a.test/api"},
			{ID: "journal-b", Kind: "bibliographic", Endpoint: "https://journal-b.test/feed"},
		},
	}
}

func newTestServer(t *testing.T, jobs JobController, opts ...Option) *Server {
	t.Helper()
	return NewServer("127.0.0.1:0", jobs, testCatalog(), opts...)
}

// doRequest runs one request through the router and decodes the JSON body
func doRequest(t *testing.T, s *Server, method, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

// TestServer_Health tests the health endpoint in the healthy case
func TestServer_Health(t *testing.T) {
	jobs := newMockJobs()
	jobs.health = engine.Health{TotalJobs: 2, ActiveJobs: 1, CompletedJobs: 1}
	s := newTestServer(t, jobs)

	var body struct {
		Status        string        `json:"status"`
		Jobs          engine.Health `json:"jobs"`
		StoragePaused bool          `json:"storage_paused"`
	}
	rec := doRequest(t, s, http.MethodGet, "/healthz", &body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Jobs.TotalJobs)
	assert.False(t, body.StoragePaused)
}

// TestServer_HealthDegraded tests that failed jobs and storage pressure both
// flip the health status
func TestServer_HealthDegraded(t *testing.T) {
	t.Run("failed_jobs", func(t *testing.T) {
		jobs := newMockJobs()
		jobs.health = engine.Health{TotalJobs: 1, FailedJobs: 1}
		s := newTestServer(t, jobs)

		var body struct {
			Status string `json:"status"`
		}
		rec := doRequest(t, s, http.MethodGet, "/healthz", &body)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "degraded", body.Status)
	})

	t.Run("storage_paused", func(t *testing.T) {
		jobs := newMockJobs()
		storage := &stubStorage{snap: spool.Snapshot{Paused: true}}
		s := newTestServer(t, jobs, WithStorageReporter(storage))

		var body struct {
			Status        string `json:"status"`
			StoragePaused bool   `json:"storage_paused"`
		}
		rec := doRequest(t, s, http.MethodGet, "/healthz", &body)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "degraded", body.Status)
		assert.True(t, body.StoragePaused)
	})
}

// TestServer_ListSources tests that the source list pairs catalog entries
// with job status where a job exists
func TestServer_ListSources(t *testing.T) {
	jobs := newMockJobs()
	jobs.statuses["registry-a"] = engine.JobStatus{
		JobID:    "job-1",
		SourceID: "registry-a",
		State:    engine.JobStateFetching,
	}
	s := newTestServer(t, jobs)

	var body struct {
		Sources []sourceSummary `json:"sources"`
	}
	rec := doRequest(t, s, http.MethodGet, "/api/sources", &body)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body.Sources, 2)

	assert.Equal(t, "registry-a", body.Sources[0].ID)
	require.NotNil(t, body.Sources[0].Job)
	assert.Equal(t, "job-1", body.Sources[0].Job.JobID)

	assert.Equal(t, "journal-b", body.Sources[1].ID)
	assert.Nil(t, body.Sources[1].Job)
}

// TestServer_SourceStatus tests the single-source endpoint and its 404 path
func TestServer_SourceStatus(t *testing.T) {
	jobs := newMockJobs()
	jobs.statuses["registry-a"] = engine.JobStatus{JobID: "job-1", SourceID: "registry-a"}
	s := newTestServer(t, jobs)

	var body sourceSummary
	rec := doRequest(t, s, http.MethodGet, "/api/sources/registry-a", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "registry-a", body.ID)
	require.NotNil(t, body.Job)
	assert.Equal(t, "job-1", body.Job.JobID)

	rec = doRequest(t, s, http.MethodGet, "/api/sources/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestServer_Start tests that a start request is accepted and returns the
// new job status
func TestServer_Start(t *testing.T) {
	jobs := newMockJobs()
	s := newTestServer(t, jobs)

	var body engine.JobStatus
	rec := doRequest(t, s, http.MethodPost, "/api/sources/registry-a/start", &body)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "registry-a", body.SourceID)
	assert.NotEmpty(t, body.JobID)
	assert.Equal(t, []string{"registry-a"}, jobs.started())
}

// TestServer_StartUnknownSource tests that starting an unregistered source
// maps to 404
func TestServer_StartUnknownSource(t *testing.T) {
	jobs := newMockJobs()
	jobs.startErr = engine.ErrUnknownSource
	s := newTestServer(t, jobs)

	var body struct {
		Error string `json:"error"`
	}
	rec := doRequest(t, s, http.MethodPost, "/api/sources/nope/start", &body)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body.Error, "no adapter registered")
}

// TestServer_PauseResume tests the pause and resume round trip
func TestServer_PauseResume(t *testing.T) {
	jobs := newMockJobs()
	jobs.statuses["registry-a"] = engine.JobStatus{
		JobID:    "job-1",
		SourceID: "registry-a",
		State:    engine.JobStatePaused,
	}
	s := newTestServer(t, jobs)

	var body engine.JobStatus
	rec := doRequest(t, s, http.MethodPost, "/api/sources/registry-a/pause", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, engine.JobStatePaused, body.State)

	rec = doRequest(t, s, http.MethodPost, "/api/sources/registry-a/resume", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestServer_PauseErrors tests the error mapping for pause requests
func TestServer_PauseErrors(t *testing.T) {
	t.Run("no_job", func(t *testing.T) {
		jobs := newMockJobs()
		jobs.pauseErr = engine.ErrNoJob
		s := newTestServer(t, jobs)

		rec := doRequest(t, s, http.MethodPost, "/api/sources/registry-a/pause", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("terminal_job", func(t *testing.T) {
		jobs := newMockJobs()
		jobs.pauseErr = engine.ErrJobTerminal
		s := newTestServer(t, jobs)

		rec := doRequest(t, s, http.MethodPost, "/api/sources/registry-a/pause", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

// TestServer_Jobs tests the job listing endpoint
func TestServer_Jobs(t *testing.T) {
	jobs := newMockJobs()
	jobs.statuses["registry-a"] = engine.JobStatus{JobID: "job-1", SourceID: "registry-a"}
	jobs.statuses["journal-b"] = engine.JobStatus{JobID: "job-2", SourceID: "journal-b"}
	s := newTestServer(t, jobs)

	var body struct {
		Jobs []engine.JobStatus `json:"jobs"`
	}
	rec := doRequest(t, s, http.MethodGet, "/api/jobs", &body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body.Jobs, 2)
}

// TestServer_Storage tests the storage snapshot endpoint
func TestServer_Storage(t *testing.T) {
	jobs := newMockJobs()
	storage := &stubStorage{snap: spool.Snapshot{
		Volume:     "/var/lib/medmirror",
		TotalBytes: 1 << 30,
		FreeBytes:  1 << 29,
		Paused:     false,
	}}
	s := newTestServer(t, jobs, WithStorageReporter(storage))

	var body spool.Snapshot
	rec := doRequest(t, s, http.MethodGet, "/api/storage", &body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/var/lib/medmirror", body.Volume)
	assert.Equal(t, uint64(1<<29), body.FreeBytes)
}

// TestServer_StorageUnconfigured tests that storage endpoints 404 when no
// governor is wired
func TestServer_StorageUnconfigured(t *testing.T) {
	s := newTestServer(t, newMockJobs())

	rec := doRequest(t, s, http.MethodGet, "/api/storage", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/storage/cleanup", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestServer_StorageCleanup tests the cleanup endpoint response shape
func TestServer_StorageCleanup(t *testing.T) {
	jobs := newMockJobs()
	storage := &stubStorage{cleanup: spool.CleanupResult{
		RemovedFiles:    3,
		CompressedFiles: 2,
		ReclaimedBytes:  4096,
	}}
	s := newTestServer(t, jobs, WithStorageReporter(storage))

	var body cleanupResponse
	rec := doRequest(t, s, http.MethodPost, "/api/storage/cleanup", &body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, body.RemovedFiles)
	assert.Equal(t, 2, body.CompressedFiles)
	assert.Equal(t, uint64(4096), body.ReclaimedBytes)
}
