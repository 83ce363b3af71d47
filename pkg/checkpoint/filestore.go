package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/medmirror/medmirror/pkg/syncerr"
)

// FileStore keeps one JSON checkpoint file per source under a directory,
// written with write-temp-then-rename so readers never observe a torn file.
// Suited to spool-local deployments without a database.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) pathFor(sourceID string) (string, error) {
	if sourceID == "" || strings.ContainsAny(sourceID, `/\`) {
		return "", fmt.Errorf("source id %q is not file-safe", sourceID)
	}
	return filepath.Join(s.dir, sourceID+".json"), nil
}

// Load implements Store
func (s *FileStore) Load(ctx context.Context, sourceID string) (*Checkpoint, error) {
	path, err := s.pathFor(sourceID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, syncerr.ErrCheckpointCorrupt(sourceID, err)
	}

	return &cp, nil
}

// Commit implements Store
func (s *FileStore) Commit(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.SourceID == "" {
		return fmt.Errorf("checkpoint requires a source id")
	}

	path, err := s.pathFor(cp.SourceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stale commits (replays from a slow goroutine) must not move the
	// cursor backwards
	if data, err := os.ReadFile(path); err == nil {
		var prev Checkpoint
		if err := json.Unmarshal(data, &prev); err == nil && prev.Seq > cp.Seq {
			return nil
		}
	}

	out := *cp
	out.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	return nil
}

// Clear implements Store
func (s *FileStore) Clear(ctx context.Context, sourceID string) error {
	path, err := s.pathFor(sourceID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}

// Close implements Store
func (s *FileStore) Close() error {
	return nil
}
