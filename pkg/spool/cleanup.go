package spool

import (
	"compress/gzip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio"
)

// tempSuffixes are crash droppings from atomic-write temp files.
var tempSuffixes = []string{".tmp", ".partial"}

// dumpExtensions are plain dump formats eligible for the compressed-sibling
// rule and for aging compression.
var dumpExtensions = map[string]bool{
	".jsonl":  true,
	".ndjson": true,
	".tsv":    true,
	".csv":    true,
	".xml":    true,
}

// CleanupResult summarizes one reclamation pass.
type CleanupResult struct {
	RemovedFiles    int
	CompressedFiles int
	ReclaimedBytes  uint64
}

// Cleanup walks the volume reclaiming space: stale temp files go, plain
// dumps shadowed by a .gz sibling go, and when aging compression is enabled
// old plain dumps are gzipped in place. Individual file errors are logged
// and skipped; the walk itself only fails on cancellation.
func (g *Governor) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	now := time.Now()

	err := filepath.WalkDir(g.dir, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			g.logger.Warn("cleanup cannot visit path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if isTempFile(path) {
			if now.Sub(info.ModTime()) < g.staleAfter {
				return nil
			}
			if err := os.Remove(path); err != nil {
				g.logger.Warn("failed to remove stale temp file", "path", path, "error", err)
				return nil
			}
			res.RemovedFiles++
			res.ReclaimedBytes += uint64(info.Size())
			g.logger.Info("removed stale temp file", "path", path, "size", humanize.IBytes(uint64(info.Size())))
			return nil
		}

		if !dumpExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		// A compressed sibling makes the plain copy redundant
		if _, err := os.Stat(path + ".gz"); err == nil {
			if err := os.Remove(path); err != nil {
				g.logger.Warn("failed to remove shadowed dump", "path", path, "error", err)
				return nil
			}
			res.RemovedFiles++
			res.ReclaimedBytes += uint64(info.Size())
			g.logger.Info("removed dump with compressed sibling", "path", path,
				"size", humanize.IBytes(uint64(info.Size())))
			return nil
		}

		if g.compressAfter > 0 && now.Sub(info.ModTime()) >= g.compressAfter {
			compressed, err := CompressFile(path)
			if err != nil {
				g.logger.Warn("failed to compress aged dump", "path", path, "error", err)
				return nil
			}
			res.CompressedFiles++
			if saved := info.Size() - compressed; saved > 0 {
				res.ReclaimedBytes += uint64(saved)
			}
			g.logger.Info("compressed aged dump", "path", path,
				"before", humanize.IBytes(uint64(info.Size())),
				"after", humanize.IBytes(uint64(compressed)))
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	g.mu.Lock()
	g.snapshot.RemovedFiles += res.RemovedFiles
	g.snapshot.ReclaimedBytes += res.ReclaimedBytes
	g.snapshot.LastCleanup = time.Now()
	g.mu.Unlock()

	return res, nil
}

func isTempFile(path string) bool {
	for _, suffix := range tempSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// CompressFile gzips a file to path.gz and removes the original. The
// compressed file appears atomically, so a crash mid-compression leaves the
// original untouched next to a temp dropping that a later pass reclaims.
func CompressFile(path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	dest := path + ".gz"
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return 0, err
	}
	defer t.Cleanup()

	zw := gzip.NewWriter(t)
	if _, err := io.Copy(zw, in); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return 0, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	if err := os.Remove(path); err != nil {
		return info.Size(), err
	}
	return info.Size(), nil
}
