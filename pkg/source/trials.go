package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/record"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

// TrialsAdapter pulls a clinical trial registry that pages with opaque
// continuation tokens. Unlike numeric paging, a page whose container cannot
// be parsed is not skippable: the next token lives inside the broken body.
type TrialsAdapter struct {
	base
}

var _ Adapter = (*TrialsAdapter)(nil)

type trialStudy struct {
	RegistryID string `json:"registry_id"`
	Title      string `json:"title"`
	Condition  string `json:"condition"`
	Phase      string `json:"phase"`
	Status     string `json:"status"`
	Sponsor    string `json:"sponsor"`
	Summary    string `json:"summary"`
	Revision   string `json:"revision"`
}

// FetchPage implements Adapter
func (a *TrialsAdapter) FetchPage(ctx context.Context, cp *checkpoint.Checkpoint) (*Page, error) {
	pageNum := nextPageNumber(cp)
	cursor := ""
	if cp != nil {
		cursor = cp.Cursor
	}

	if err := a.acquire(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s?pageSize=%d", a.src.Endpoint, a.src.PageSize)
	if cursor != "" {
		url += "&pageToken=" + cursor
	}

	body, err := a.client.Get(ctx, url, 0)
	if err != nil {
		a.penalizeIfRateLimited(err)
		return nil, err
	}
	defer body.Close()

	pageID := strconv.Itoa(pageNum)
	records, nextToken, err := a.parsePage(body, pageID)
	if err != nil {
		return nil, syncerr.ErrPermanentRecord(a.src.ID, pageID, "unparsable JSON container").WithCause(err)
	}

	return &Page{
		Records: records,
		Next:    advance(cp, a.src.ID, pageID, nextToken),
		HasMore: nextToken != "",
	}, nil
}

// parsePage streams the response token by token; studies are decoded one at
// a time so peak memory tracks the page size, not the payload size.
func (a *TrialsAdapter) parsePage(r io.Reader, pageID string) ([]record.RawRecord, string, error) {
	dec := json.NewDecoder(r)

	if err := expectDelim(dec, '{'); err != nil {
		return nil, "", err
	}

	var records []record.RawRecord
	var nextToken string

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, "", err
		}
		key, _ := keyTok.(string)

		switch key {
		case "studies":
			if err := expectDelim(dec, '['); err != nil {
				return nil, "", err
			}
			for dec.More() {
				var raw json.RawMessage
				if err := dec.Decode(&raw); err != nil {
					return nil, "", err
				}
				var study trialStudy
				if err := json.Unmarshal(raw, &study); err != nil {
					// One bad study does not sink the page
					a.logger.Warn("skipping malformed study record",
						"page", pageID, "error", err)
					continue
				}
				records = append(records, a.toRaw(study))
			}
			if err := expectDelim(dec, ']'); err != nil {
				return nil, "", err
			}
		case "nextPageToken":
			if err := dec.Decode(&nextToken); err != nil {
				return nil, "", err
			}
		default:
			// Unknown top-level field; consume and move on
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, "", err
			}
		}
	}

	return records, nextToken, nil
}

func (a *TrialsAdapter) toRaw(s trialStudy) record.RawRecord {
	return record.RawRecord{
		SourceID:      a.src.ID,
		Kind:          record.KindTrials,
		SchemaVersion: a.src.SchemaVersion,
		Fields: map[string]string{
			"registry_id": s.RegistryID,
			"title":       s.Title,
			"condition":   s.Condition,
			"phase":       s.Phase,
			"status":      s.Status,
			"sponsor":     s.Sponsor,
		},
		Text:        s.Summary,
		Revision:    s.Revision,
		RetrievedAt: now(),
	}
}

func expectDelim(dec *json.Decoder, want rune) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || rune(d) != want {
		return fmt.Errorf("expected %q in response, got %v", want, tok)
	}
	return nil
}
