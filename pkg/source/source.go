// Package source holds one adapter per external dataset provider. An adapter
// knows its source's transport, paging cursor shape, and per-record schema,
// and nothing else: adapters perform no storage writes.
package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/medmirror/medmirror/pkg/catalog"
	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/fetch"
	"github.com/medmirror/medmirror/pkg/ratelimit"
	"github.com/medmirror/medmirror/pkg/record"
)

// Page is the unit of progress: the records of one page/file chunk plus the
// checkpoint that marks it complete. Next is only committed downstream after
// the page's records are durably ingested.
type Page struct {
	Records []record.RawRecord

	// Next marks this page as completed when committed
	Next checkpoint.Checkpoint

	// HasMore is false once the source is exhausted
	HasMore bool
}

// Adapter is implemented once per external data source. FetchPage pulls the
// page after the given checkpoint (nil for a fresh job), pacing itself
// through its own rate governor. Errors follow the sync taxonomy: transient,
// rate-limited, or permanent for the requested unit.
type Adapter interface {
	SourceID() string
	Kind() record.DatasetKind

	// Governor exposes the adapter's rate governor for status reporting
	Governor() *ratelimit.Governor

	FetchPage(ctx context.Context, cp *checkpoint.Checkpoint) (*Page, error)
}

// Deps carries shared collaborators into adapter construction. S3 lets tests
// inject a fake object store for the code-set adapter; when nil, a real
// client is built from the source's options.
type Deps struct {
	Logger *slog.Logger
	S3     S3API
}

// New builds the adapter for a source descriptor, selected by dataset kind.
func New(ctx context.Context, src *catalog.Source, deps Deps) (Adapter, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("source_id", src.ID, "kind", src.Kind)

	b := base{
		src:    src,
		gov:    ratelimit.NewGovernor(src.ID, src.RatePerSec, src.Burst),
		client: fetch.NewClient(src.ID),
		logger: logger,
	}

	switch src.DatasetKind() {
	case record.KindBibliographic:
		return &BibliographicAdapter{base: b}, nil
	case record.KindTrials:
		return &TrialsAdapter{base: b}, nil
	case record.KindDrugLabels:
		return &DrugLabelAdapter{base: b}, nil
	case record.KindCodeSets:
		return newCodeSetAdapter(ctx, b, deps.S3)
	case record.KindTopics:
		return &TopicAdapter{base: b}, nil
	default:
		return nil, fmt.Errorf("no adapter for dataset kind %q", src.Kind)
	}
}

// base carries what every adapter needs: its descriptor, its private rate
// governor, the streaming fetch client, and a scoped logger.
type base struct {
	src    *catalog.Source
	gov    *ratelimit.Governor
	client *fetch.Client
	logger *slog.Logger
}

func (b *base) SourceID() string {
	return b.src.ID
}

func (b *base) Kind() record.DatasetKind {
	return b.src.DatasetKind()
}

func (b *base) Governor() *ratelimit.Governor {
	return b.gov
}

// acquire waits for a rate token before any network call. On a rate-limited
// error from the transport the adapter also penalizes the governor, so the
// next acquire honors the source's cooldown.
func (b *base) acquire(ctx context.Context) error {
	return b.gov.Acquire(ctx)
}
