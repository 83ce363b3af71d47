package source

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/record"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

// TopicAdapter scrapes consumer health topic pages served as HTML. Each page
// carries a batch of <section class="topic"> blocks; a rel="next" link marks
// continuation. The tokenizer is forgiving, so broken markup degrades to
// fewer records rather than a failed page.
type TopicAdapter struct {
	base
}

var _ Adapter = (*TopicAdapter)(nil)

type topicDraft struct {
	title    string
	language string
	updated  string
	body     []string
}

// FetchPage implements Adapter
func (a *TopicAdapter) FetchPage(ctx context.Context, cp *checkpoint.Checkpoint) (*Page, error) {
	pageNum := nextPageNumber(cp)

	if err := a.acquire(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s?page=%d", a.src.Endpoint, pageNum)
	body, err := a.client.Get(ctx, url, 0)
	if err != nil {
		a.penalizeIfRateLimited(err)
		return nil, err
	}
	defer body.Close()

	records, hasNext, err := a.parsePage(body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Tokenizer errors are read errors: the markup itself never fails
		return nil, syncerr.ErrTransient(a.src.ID, err).WithContext("url", url)
	}

	return &Page{
		Records: records,
		Next:    advance(cp, a.src.ID, strconv.Itoa(pageNum), ""),
		HasMore: hasNext,
	}, nil
}

func (a *TopicAdapter) parsePage(r io.Reader) ([]record.RawRecord, bool, error) {
	z := html.NewTokenizer(r)

	var records []record.RawRecord
	var current *topicDraft
	var inTitle, inPara bool
	hasNext := false

	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return records, hasNext, nil
			}
			return nil, false, z.Err()

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "section":
				if attr(tok, "class") == "topic" {
					current = &topicDraft{
						language: attr(tok, "data-lang"),
						updated:  attr(tok, "data-updated"),
					}
				}
			case "h2":
				inTitle = current != nil
			case "p":
				inPara = current != nil
			case "a", "link":
				if attr(tok, "rel") == "next" {
					hasNext = true
				}
			}

		case html.TextToken:
			if current == nil {
				continue
			}
			text := strings.TrimSpace(string(z.Text()))
			if text == "" {
				continue
			}
			if inTitle {
				current.title += text
			} else if inPara {
				current.body = append(current.body, text)
			}

		case html.EndTagToken:
			tok := z.Token()
			switch tok.Data {
			case "h2":
				inTitle = false
			case "p":
				inPara = false
			case "section":
				if current != nil {
					records = append(records, a.toRaw(*current))
					current = nil
				}
			}
		}
	}
}

func (a *TopicAdapter) toRaw(d topicDraft) record.RawRecord {
	return record.RawRecord{
		SourceID:      a.src.ID,
		Kind:          record.KindTopics,
		SchemaVersion: a.src.SchemaVersion,
		Fields: map[string]string{
			"title":    d.title,
			"language": d.language,
		},
		Text:        strings.Join(d.body, "\n"),
		Revision:    d.updated,
		RetrievedAt: now(),
	}
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}
