// Package checkpoint persists per-source download progress. A checkpoint is
// committed only after the corresponding ingestion batch is durably written,
// so a crash between download and commit redoes work instead of skipping it.
package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is the durable resume cursor for one source.
type Checkpoint struct {
	SourceID string `json:"source_id"`

	// Page is the last completed page or file identifier
	Page string `json:"page"`

	// ByteOffset addresses a position inside a partially consumed stream unit
	ByteOffset int64 `json:"byte_offset"`

	// Cursor is the source's opaque resumption token
	Cursor string `json:"cursor,omitempty"`

	// Seq increases monotonically with every commit; a commit carrying a
	// lower Seq than the stored row is ignored
	Seq uint64 `json:"seq"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Advance returns the successor checkpoint after completing a page.
func (c Checkpoint) Advance(page, cursor string) Checkpoint {
	return Checkpoint{
		SourceID: c.SourceID,
		Page:     page,
		Cursor:   cursor,
		Seq:      c.Seq + 1,
	}
}

// Store provides durable storage for checkpoints.
type Store interface {
	// Load returns the last committed checkpoint for a source, or nil when
	// the source has never committed one.
	Load(ctx context.Context, sourceID string) (*Checkpoint, error)

	// Commit durably writes a checkpoint. Commits are idempotent and
	// crash-safe: a restart never observes a partially written value.
	Commit(ctx context.Context, cp *Checkpoint) error

	// Clear removes a source's checkpoint, forcing a full resync.
	// Clearing an absent checkpoint is not an error.
	Clear(ctx context.Context, sourceID string) error

	// Close releases the store's resources.
	Close() error
}
