package spool

import (
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medmirror/medmirror/pkg/syncerr"
)

type fakeDisk struct {
	mu    sync.Mutex
	free  uint64
	total uint64
}

func (f *fakeDisk) statfs(string) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free, f.total, nil
}

func (f *fakeDisk) set(free uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free = free
}

func testGovernor(t *testing.T, disk *fakeDisk, opts ...Option) *Governor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{
		WithThresholds(100, 200),
		withStatfs(disk.statfs),
	}, opts...)
	g, err := NewGovernor(t.TempDir(), logger, opts...)
	require.NoError(t, err)
	return g
}

// TestGovernor_PauseResumeHysteresis tests that the governor pauses below
// the low-water mark, holds state between the marks, and resumes only above
// the high-water mark.
func TestGovernor_PauseResumeHysteresis(t *testing.T) {
	disk := &fakeDisk{free: 150, total: 1000}
	g := testGovernor(t, disk)
	ctx := context.Background()

	require.NoError(t, g.Check(ctx))
	assert.False(t, g.Paused(), "between marks starts unpaused")

	disk.set(90)
	require.NoError(t, g.Check(ctx))
	assert.True(t, g.Paused(), "below low-water mark pauses")

	disk.set(150)
	require.NoError(t, g.Check(ctx))
	assert.True(t, g.Paused(), "between marks the pause holds")

	disk.set(250)
	require.NoError(t, g.Check(ctx))
	assert.False(t, g.Paused(), "above high-water mark resumes")

	disk.set(150)
	require.NoError(t, g.Check(ctx))
	assert.False(t, g.Paused(), "between marks the resume holds")
}

// TestGovernor_SubscriberNotified tests pause and resume notifications.
func TestGovernor_SubscriberNotified(t *testing.T) {
	disk := &fakeDisk{free: 300, total: 1000}
	g := testGovernor(t, disk)
	ctx := context.Background()
	ch := g.Subscribe()

	disk.set(50)
	require.NoError(t, g.Check(ctx))
	select {
	case paused := <-ch:
		assert.True(t, paused)
	default:
		t.Fatal("expected a pause notification")
	}

	disk.set(300)
	require.NoError(t, g.Check(ctx))
	select {
	case paused := <-ch:
		assert.False(t, paused)
	default:
		t.Fatal("expected a resume notification")
	}
}

// TestGovernor_LatestStateWins tests that an unconsumed notification is
// replaced rather than blocking the governor.
func TestGovernor_LatestStateWins(t *testing.T) {
	disk := &fakeDisk{free: 300, total: 1000}
	g := testGovernor(t, disk)
	ctx := context.Background()
	ch := g.Subscribe()

	disk.set(50)
	require.NoError(t, g.Check(ctx))
	disk.set(300)
	require.NoError(t, g.Check(ctx))

	select {
	case paused := <-ch:
		assert.False(t, paused, "subscriber that missed the pause sees only the final resume")
	default:
		t.Fatal("expected a notification")
	}
}

// TestGovernor_Err tests the resource-exhausted error while paused.
func TestGovernor_Err(t *testing.T) {
	disk := &fakeDisk{free: 50, total: 1000}
	g := testGovernor(t, disk)
	require.NoError(t, g.Check(context.Background()))

	err := g.Err()
	require.Error(t, err)
	assert.Equal(t, syncerr.ErrorCodeResourceExhausted, syncerr.GetErrorCode(err))

	disk.set(300)
	require.NoError(t, g.Check(context.Background()))
	assert.NoError(t, g.Err())
}

// TestGovernor_RejectsInvertedThresholds tests config validation.
func TestGovernor_RejectsInvertedThresholds(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewGovernor(t.TempDir(), logger, WithThresholds(200, 200))
	require.Error(t, err)
	assert.Equal(t, syncerr.ErrorCodeInvalidConfiguration, syncerr.GetErrorCode(err))
}

func writeAged(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

// TestCleanup_RemovesStaleTempFiles tests that only temp files older than
// the stale window are reclaimed.
func TestCleanup_RemovesStaleTempFiles(t *testing.T) {
	disk := &fakeDisk{free: 300, total: 1000}
	g := testGovernor(t, disk, WithStaleAfter(time.Hour))

	stale := filepath.Join(g.dir, "page-7.jsonl.tmp")
	writeAged(t, stale, "half written page", 2*time.Hour)
	fresh := filepath.Join(g.dir, "page-8.jsonl.tmp")
	require.NoError(t, os.WriteFile(fresh, []byte("in flight"), 0o644))
	partial := filepath.Join(g.dir, "dump.partial")
	writeAged(t, partial, "interrupted download", 3*time.Hour)

	res, err := g.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.RemovedFiles)
	assert.Equal(t, uint64(len("half written page")+len("interrupted download")), res.ReclaimedBytes)

	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, partial)
	assert.FileExists(t, fresh, "fresh temp files belong to live writers")
}

// TestCleanup_RemovesShadowedDumps tests the compressed-sibling rule.
func TestCleanup_RemovesShadowedDumps(t *testing.T) {
	disk := &fakeDisk{free: 300, total: 1000}
	g := testGovernor(t, disk)

	shadowed := filepath.Join(g.dir, "labels.jsonl")
	require.NoError(t, os.WriteFile(shadowed, []byte("plain copy"), 0o644))
	require.NoError(t, os.WriteFile(shadowed+".gz", []byte("gz"), 0o644))
	lone := filepath.Join(g.dir, "codes.tsv")
	require.NoError(t, os.WriteFile(lone, []byte("no sibling"), 0o644))

	res, err := g.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.RemovedFiles)

	assert.NoFileExists(t, shadowed)
	assert.FileExists(t, shadowed+".gz")
	assert.FileExists(t, lone)
}

// TestCleanup_CompressesAgedDumps tests in-place aging compression.
func TestCleanup_CompressesAgedDumps(t *testing.T) {
	disk := &fakeDisk{free: 300, total: 1000}
	g := testGovernor(t, disk, WithCompressAfter(24*time.Hour))

	content := strings.Repeat("icd10\tE11.9\tType 2 diabetes\n", 200)
	aged := filepath.Join(g.dir, "icd10.tsv")
	writeAged(t, aged, content, 48*time.Hour)
	recent := filepath.Join(g.dir, "loinc.tsv")
	require.NoError(t, os.WriteFile(recent, []byte(content), 0o644))

	res, err := g.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.CompressedFiles)
	assert.Greater(t, res.ReclaimedBytes, uint64(0))

	assert.NoFileExists(t, aged)
	assert.FileExists(t, recent)

	f, err := os.Open(aged + ".gz")
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	restored, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, content, string(restored))
}

// TestGovernor_PauseTriggersCleanup tests that crossing the low-water mark
// runs a reclamation pass.
func TestGovernor_PauseTriggersCleanup(t *testing.T) {
	disk := &fakeDisk{free: 300, total: 1000}
	g := testGovernor(t, disk)

	shadowed := filepath.Join(g.dir, "labels.jsonl")
	require.NoError(t, os.WriteFile(shadowed, []byte("plain copy"), 0o644))
	require.NoError(t, os.WriteFile(shadowed+".gz", []byte("gz"), 0o644))

	disk.set(50)
	require.NoError(t, g.Check(context.Background()))

	assert.NoFileExists(t, shadowed)
	snap := g.Status()
	assert.True(t, snap.Paused)
	assert.Equal(t, 1, snap.RemovedFiles)
	assert.Greater(t, snap.ReclaimedBytes, uint64(0))
	assert.False(t, snap.LastCleanup.IsZero())
}

// TestGovernor_StatusSnapshot tests the rendered snapshot fields.
func TestGovernor_StatusSnapshot(t *testing.T) {
	disk := &fakeDisk{free: 5 << 30, total: 100 << 30}
	g := testGovernor(t, disk, WithThresholds(1<<30, 2<<30))
	require.NoError(t, g.Check(context.Background()))

	snap := g.Status()
	assert.Equal(t, uint64(5<<30), snap.FreeBytes)
	assert.Equal(t, "5.0 GiB", snap.FreeHuman)
	assert.Equal(t, "100 GiB", snap.TotalHuman)
	assert.False(t, snap.Paused)
	assert.False(t, snap.CheckedAt.IsZero())
}

// TestGovernor_StartStop tests the monitoring loop lifecycle.
func TestGovernor_StartStop(t *testing.T) {
	disk := &fakeDisk{free: 300, total: 1000}
	g := testGovernor(t, disk, WithInterval(10*time.Millisecond))

	require.NoError(t, g.Start(context.Background()))
	ch := g.Subscribe()

	disk.set(50)
	select {
	case paused := <-ch:
		assert.True(t, paused)
	case <-time.After(2 * time.Second):
		t.Fatal("periodic check did not fire")
	}

	g.Stop()
}
