package source

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/record"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

// BibliographicAdapter pulls a paged XML citation archive. Pages are
// requested by number; the archive may hand back a resumption token that
// must accompany the next request.
type BibliographicAdapter struct {
	base
}

var _ Adapter = (*BibliographicAdapter)(nil)

// biblioEntry mirrors one <record> element of the archive feed.
type biblioEntry struct {
	Title    string   `xml:"title"`
	Journal  string   `xml:"journal"`
	Year     string   `xml:"year"`
	Authors  []string `xml:"author"`
	Abstract string   `xml:"abstract"`
	Revision string   `xml:"revision"`
}

// FetchPage implements Adapter
func (a *BibliographicAdapter) FetchPage(ctx context.Context, cp *checkpoint.Checkpoint) (*Page, error) {
	pageNum := nextPageNumber(cp)
	cursor := ""
	if cp != nil {
		cursor = cp.Cursor
	}

	if err := a.acquire(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s?page=%d&size=%d", a.src.Endpoint, pageNum, a.src.PageSize)
	if cursor != "" {
		url += "&token=" + cursor
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
		// The container itself is broken. The page is failed permanently
		// but the paging scheme still lets the job move past it.
		a.logger.Warn("unparsable bibliographic page", "page", pageID, "error", err)
		return &Page{
			Next:    advance(cp, a.src.ID, pageID, cursor),
			HasMore: true,
		}, syncerr.ErrPermanentRecord(a.src.ID, pageID, "unparsable XML container").WithCause(err)
	}

	next := advance(cp, a.src.ID, pageID, nextToken)
	return &Page{
		Records: records,
		Next:    next,
		HasMore: len(records) == a.src.PageSize || nextToken != "",
	}, nil
}

func (a *BibliographicAdapter) parsePage(r io.Reader, pageID string) ([]record.RawRecord, string, error) {
	dec := xml.NewDecoder(r)

	var records []record.RawRecord
	var nextToken string

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", err
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "record":
			var e biblioEntry
			if err := dec.DecodeElement(&e, &start); err != nil {
				return nil, "", err
			}
			records = append(records, a.toRaw(e))
		case "resumptionToken":
			if err := dec.DecodeElement(&nextToken, &start); err != nil {
				return nil, "", err
			}
		}
	}

	return records, nextToken, nil
}

func (a *BibliographicAdapter) toRaw(e biblioEntry) record.RawRecord {
	return record.RawRecord{
		SourceID:      a.src.ID,
		Kind:          record.KindBibliographic,
		SchemaVersion: a.src.SchemaVersion,
		Fields: map[string]string{
			"title":   e.Title,
			"journal": e.Journal,
			"year":    e.Year,
			"authors": strings.Join(e.Authors, "; "),
		},
		Text:        e.Abstract,
		Revision:    e.Revision,
		RetrievedAt: now(),
	}
}
