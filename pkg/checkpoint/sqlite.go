package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists checkpoints in a local SQLite database. Commits ride
// on SQLite's WAL journal, so a torn write is impossible: readers see either
// the previous row or the new one.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the checkpoint database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",   // Write-Ahead Logging
		"PRAGMA synchronous=NORMAL", // Balance safety and performance
		"PRAGMA busy_timeout=5000",  // 5s timeout for locks
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	createTableSQL := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			source_id   TEXT PRIMARY KEY,
			page        TEXT NOT NULL DEFAULT '',
			byte_offset INTEGER NOT NULL DEFAULT 0,
			cursor      TEXT NOT NULL DEFAULT '',
			seq         INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)
	`
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Load implements Store
func (s *SQLiteStore) Load(ctx context.Context, sourceID string) (*Checkpoint, error) {
	var cp Checkpoint
	var updatedAt int64

	err := s.db.QueryRowContext(ctx,
		"SELECT source_id, page, byte_offset, cursor, seq, updated_at FROM checkpoints WHERE source_id = ?",
		sourceID,
	).Scan(&cp.SourceID, &cp.Page, &cp.ByteOffset, &cp.Cursor, &cp.Seq, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &cp, nil
}

// Commit implements Store. The upsert only applies when the incoming seq is
// not older than the stored one, which makes replayed commits no-ops.
func (s *SQLiteStore) Commit(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.SourceID == "" {
		return fmt.Errorf("checkpoint requires a source id")
	}

	upsertSQL := `
		INSERT INTO checkpoints (source_id, page, byte_offset, cursor, seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			page = excluded.page,
			byte_offset = excluded.byte_offset,
			cursor = excluded.cursor,
			seq = excluded.seq,
			updated_at = excluded.updated_at
		WHERE excluded.seq >= checkpoints.seq
	`
	_, err := s.db.ExecContext(ctx, upsertSQL,
		cp.SourceID, cp.Page, cp.ByteOffset, cp.Cursor, cp.Seq, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	return nil
}

// Clear implements Store
func (s *SQLiteStore) Clear(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE source_id = ?", sourceID); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
