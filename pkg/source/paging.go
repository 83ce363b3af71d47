package source

import (
	"strconv"
	"time"

	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

// nextPageNumber derives the next numeric page from the last completed one.
// A nil or fresh checkpoint starts at page 1.
func nextPageNumber(cp *checkpoint.Checkpoint) int {
	if cp == nil || cp.Page == "" {
		return 1
	}
	n, err := strconv.Atoi(cp.Page)
	if err != nil {
		return 1
	}
	return n + 1
}

// advance builds the checkpoint that marks a page complete, continuing the
// sequence from the prior checkpoint when one exists.
func advance(cp *checkpoint.Checkpoint, sourceID, page, cursor string) checkpoint.Checkpoint {
	if cp == nil {
		return checkpoint.Checkpoint{SourceID: sourceID, Page: page, Cursor: cursor, Seq: 1}
	}
	return cp.Advance(page, cursor)
}

// advanceOffset is the byte-offset flavor of advance, used by adapters that
// chunk a single large file rather than walk discrete pages.
func advanceOffset(cp *checkpoint.Checkpoint, sourceID, page string, offset int64) checkpoint.Checkpoint {
	next := advance(cp, sourceID, page, "")
	next.ByteOffset = offset
	return next
}

func now() time.Time {
	return time.Now().UTC()
}

// penalizeIfRateLimited feeds a 429/503 cooldown hint into the adapter's
// governor so subsequent acquires wait it out.
func (b *base) penalizeIfRateLimited(err error) {
	if syncerr.GetErrorCode(err) == syncerr.ErrorCodeRateLimited {
		hint, _ := syncerr.RetryAfterHint(err)
		b.gov.Penalize(hint)
	}
}
