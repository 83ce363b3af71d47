package source

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/fetch"
	"github.com/medmirror/medmirror/pkg/record"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

// DrugLabelAdapter reads a single large JSONL dump and slices it into
// checkpoint-sized chunks. The cursor is a byte offset into the dump, so a
// crash mid-file resumes with a Range request instead of a re-download.
type DrugLabelAdapter struct {
	base
}

var _ Adapter = (*DrugLabelAdapter)(nil)

type drugLabel struct {
	GenericName  string `json:"generic_name"`
	BrandName    string `json:"brand_name"`
	Strength     string `json:"strength"`
	Route        string `json:"route"`
	DosageForm   string `json:"dosage_form"`
	Manufacturer string `json:"manufacturer"`
	Warnings     string `json:"warnings"`
	Revision     string `json:"revision"`
}

// FetchPage implements Adapter
func (a *DrugLabelAdapter) FetchPage(ctx context.Context, cp *checkpoint.Checkpoint) (*Page, error) {
	var offset int64
	if cp != nil {
		offset = cp.ByteOffset
	}
	pageNum := nextPageNumber(cp)

	if err := a.acquire(ctx); err != nil {
		return nil, err
	}

	gzipped := strings.HasSuffix(a.src.Endpoint, ".gz")

	// Compressed dumps cannot be range-addressed by line position, so the
	// offset counts decompressed bytes and the skip happens locally.
	rangeOffset := offset
	if gzipped {
		rangeOffset = 0
	}

	body, err := a.client.Get(ctx, a.src.Endpoint, rangeOffset)
	if err != nil {
		a.penalizeIfRateLimited(err)
		return nil, err
	}
	defer body.Close()

	var reader io.Reader = body
	if gzipped {
		gz, err := fetch.GzipReader(body, "", a.src.Endpoint)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		if _, err := io.CopyN(io.Discard, gz, offset); err != nil && err != io.EOF {
			return nil, err
		}
		reader = gz
	}

	records, consumed, eof, err := a.readChunk(reader)
	if err != nil {
		return nil, syncerr.ErrTransient(a.src.ID, err).WithContext("offset", offset)
	}

	next := advanceOffset(cp, a.src.ID, strconv.Itoa(pageNum), offset+consumed)
	return &Page{
		Records: records,
		Next:    next,
		HasMore: !eof,
	}, nil
}

// readChunk consumes up to PageSize lines, returning the records plus the
// exact byte count consumed. The count comes from line lengths rather than
// transport accounting, so buffered read-ahead never skews the offset.
func (a *DrugLabelAdapter) readChunk(r io.Reader) ([]record.RawRecord, int64, bool, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var records []record.RawRecord
	var consumed int64
	eof := false

	for len(records) < a.src.PageSize {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			consumed += int64(len(line))
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				var label drugLabel
				if uerr := json.Unmarshal([]byte(trimmed), &label); uerr != nil {
					a.logger.Warn("skipping malformed label line",
						"offset", consumed, "error", uerr)
				} else {
					records = append(records, a.toRaw(label))
				}
			}
		}
		if err == io.EOF {
			eof = true
			break
		}
		if err != nil {
			return nil, 0, false, err
		}
	}

	return records, consumed, eof, nil
}

func (a *DrugLabelAdapter) toRaw(l drugLabel) record.RawRecord {
	return record.RawRecord{
		SourceID:      a.src.ID,
		Kind:          record.KindDrugLabels,
		SchemaVersion: a.src.SchemaVersion,
		Fields: map[string]string{
			"generic_name": l.GenericName,
			"brand_name":   l.BrandName,
			"strength":     l.Strength,
			"route":        l.Route,
			"dosage_form":  l.DosageForm,
			"manufacturer": l.Manufacturer,
		},
		Text:        l.Warnings,
		Revision:    l.Revision,
		RetrievedAt: now(),
	}
}
