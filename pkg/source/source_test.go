package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medmirror/medmirror/pkg/catalog"
	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/record"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSource(kind, endpoint string, pageSize int) *catalog.Source {
	return &catalog.Source{
		ID:            "test-" + kind,
		Kind:          kind,
		Endpoint:      endpoint,
		RatePerSec:    1000,
		Burst:         100,
		PageSize:      pageSize,
		SchemaVersion: "v1",
	}
}

func mustAdapter(t *testing.T, src *catalog.Source, deps Deps) Adapter {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	a, err := New(context.Background(), src, deps)
	require.NoError(t, err)
	return a
}

// TestNew_UnknownKind tests that the factory rejects unrecognized kinds.
func TestNew_UnknownKind(t *testing.T) {
	src := testSource("genomes", "http://example.test", 10)
	_, err := New(context.Background(), src, Deps{Logger: testLogger()})
	assert.Error(t, err)
}

// TestBibliographicAdapter_FetchFirstPage tests a full page fetch with
// field mapping and checkpoint construction.
func TestBibliographicAdapter_FetchFirstPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		fmt.Fprint(w, `<?xml version="1.0"?>
<feed>
  <record>
    <title>Metformin in Type 2 Diabetes</title>
    <journal>Diabetes Care</journal>
    <year>2024</year>
    <author>Chen L</author>
    <author>Okafor T</author>
    <abstract>A randomized trial of metformin dosing.</abstract>
    <revision>2024-06-01</revision>
  </record>
  <record>
    <title>Statin Adherence Patterns</title>
    <journal>JAMA</journal>
    <year>2023</year>
    <author>Silva R</author>
    <abstract>Cohort analysis of statin adherence.</abstract>
  </record>
</feed>`)
	}))
	defer srv.Close()

	a := mustAdapter(t, testSource("bibliographic", srv.URL, 2), Deps{})
	page, err := a.FetchPage(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)

	first := page.Records[0]
	assert.Equal(t, record.KindBibliographic, first.Kind)
	assert.Equal(t, "Metformin in Type 2 Diabetes", first.Fields["title"])
	assert.Equal(t, "Chen L; Okafor T", first.Fields["authors"])
	assert.Equal(t, "A randomized trial of metformin dosing.", first.Text)
	assert.Equal(t, "2024-06-01", first.Revision)

	assert.Equal(t, "1", page.Next.Page)
	assert.Equal(t, uint64(1), page.Next.Seq)
	assert.True(t, page.HasMore, "a full page implies more may follow")
}

// TestBibliographicAdapter_ResumptionToken tests that a token returned by
// one page is echoed on the next request.
func TestBibliographicAdapter_ResumptionToken(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `<feed><record><title>A</title></record><resumptionToken>tok-2</resumptionToken></feed>`)
		default:
			gotToken = r.URL.Query().Get("token")
			fmt.Fprint(w, `<feed><record><title>B</title></record></feed>`)
		}
	}))
	defer srv.Close()

	a := mustAdapter(t, testSource("bibliographic", srv.URL, 10), Deps{})
	ctx := context.Background()

	page1, err := a.FetchPage(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", page1.Next.Cursor)
	assert.True(t, page1.HasMore)

	page2, err := a.FetchPage(ctx, &page1.Next)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", gotToken)
	assert.False(t, page2.HasMore)
	assert.Equal(t, "2", page2.Next.Page)
	assert.Equal(t, uint64(2), page2.Next.Seq)
}

// TestBibliographicAdapter_SkipsBrokenPage tests that an unparsable page
// fails permanently but still yields a checkpoint past the broken page.
func TestBibliographicAdapter_SkipsBrokenPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<feed><record><title>Half a reco`)
	}))
	defer srv.Close()

	a := mustAdapter(t, testSource("bibliographic", srv.URL, 10), Deps{})
	page, err := a.FetchPage(context.Background(), nil)

	require.Error(t, err)
	assert.Equal(t, syncerr.ErrorCodePermanentRecord, syncerr.GetErrorCode(err))
	require.NotNil(t, page, "numeric paging lets the job step past a broken page")
	assert.Empty(t, page.Records)
	assert.Equal(t, "1", page.Next.Page)
	assert.True(t, page.HasMore)
}

// TestBibliographicAdapter_RateLimitPenalty tests that a 429 response
// transfers its Retry-After hint into the adapter's governor.
func TestBibliographicAdapter_RateLimitPenalty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := mustAdapter(t, testSource("bibliographic", srv.URL, 10), Deps{})
	_, err := a.FetchPage(context.Background(), nil)

	require.Error(t, err)
	assert.Equal(t, syncerr.ErrorCodeRateLimited, syncerr.GetErrorCode(err))
	hint, ok := syncerr.RetryAfterHint(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, hint)

	remaining := a.Governor().CooldownRemaining()
	assert.Greater(t, remaining, 2*time.Second, "cooldown should reflect the server hint")
}

// TestTrialsAdapter_PageTokenFlow tests token-driven pagination across two
// pages, ending when no token is returned.
func TestTrialsAdapter_PageTokenFlow(t *testing.T) {
	var secondToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := r.URL.Query().Get("pageToken"); tok == "" {
			fmt.Fprint(w, `{"studies":[{"registry_id":"NCT00000001","title":"First","status":"recruiting"}],"nextPageToken":"page-two"}`)
		} else {
			secondToken = tok
			fmt.Fprint(w, `{"studies":[{"registry_id":"NCT00000002","title":"Second","status":"completed"}]}`)
		}
	}))
	defer srv.Close()

	a := mustAdapter(t, testSource("trials", srv.URL, 10), Deps{})
	ctx := context.Background()

	page1, err := a.FetchPage(ctx, nil)
	require.NoError(t, err)
	require.Len(t, page1.Records, 1)
	assert.Equal(t, "NCT00000001", page1.Records[0].Fields["registry_id"])
	assert.True(t, page1.HasMore)

	page2, err := a.FetchPage(ctx, &page1.Next)
	require.NoError(t, err)
	assert.Equal(t, "page-two", secondToken)
	require.Len(t, page2.Records, 1)
	assert.False(t, page2.HasMore)
}

// TestTrialsAdapter_SkipsMalformedStudy tests that one undecodable study
// does not fail the page around it.
func TestTrialsAdapter_SkipsMalformedStudy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"studies":[
			{"registry_id":"NCT00000001","title":"Good"},
			{"registry_id":12345,"title":"Bad types"},
			{"registry_id":"NCT00000003","title":"Also good"}
		]}`)
	}))
	defer srv.Close()

	a := mustAdapter(t, testSource("trials", srv.URL, 10), Deps{})
	page, err := a.FetchPage(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "NCT00000001", page.Records[0].Fields["registry_id"])
	assert.Equal(t, "NCT00000003", page.Records[1].Fields["registry_id"])
}

// TestTrialsAdapter_BrokenContainer tests that a syntactically broken body
// is a permanent failure with no checkpoint to skip to.
func TestTrialsAdapter_BrokenContainer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"studies": [{"registry_id": "NCT0`)
	}))
	defer srv.Close()

	a := mustAdapter(t, testSource("trials", srv.URL, 10), Deps{})
	page, err := a.FetchPage(context.Background(), nil)

	require.Error(t, err)
	assert.Equal(t, syncerr.ErrorCodePermanentRecord, syncerr.GetErrorCode(err))
	assert.Nil(t, page, "token paging cannot skip past a broken container")
}

// serveLinesWithRange serves a fixed body honoring Range requests, the way
// a dump mirror would.
func serveLinesWithRange(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := []byte(body)
		if rng := r.Header.Get("Range"); rng != "" {
			var offset int64
			fmt.Sscanf(rng, "bytes=%d-", &offset)
			if offset < int64(len(data)) {
				w.Header().Set("Content-Range",
					fmt.Sprintf("bytes %d-%d/%d", offset, len(data)-1, len(data)))
				w.WriteHeader(http.StatusPartialContent)
				w.Write(data[offset:])
				return
			}
		}
		w.Write(data)
	}
}

// TestDrugLabelAdapter_ChunksByPageSize tests that the dump is consumed in
// page-size chunks with byte-accurate offsets and Range resumes.
func TestDrugLabelAdapter_ChunksByPageSize(t *testing.T) {
	lines := []string{
		`{"generic_name":"metformin","strength":"500 mg","route":"oral"}`,
		`{"generic_name":"metformin","strength":"850 mg","route":"oral"}`,
		`{"generic_name":"lisinopril","strength":"10 mg","route":"oral"}`,
		`{"generic_name":"lisinopril","strength":"20 mg","route":"oral"}`,
		`{"generic_name":"atorvastatin","strength":"40 mg","route":"oral"}`,
	}
	body := strings.Join(lines, "\n") + "\n"

	var sawRange []string
	inner := serveLinesWithRange(body)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange = append(sawRange, r.Header.Get("Range"))
		inner(w, r)
	}))
	defer srv.Close()

	a := mustAdapter(t, testSource("drug-labels", srv.URL+"/labels.jsonl", 2), Deps{})
	ctx := context.Background()

	page1, err := a.FetchPage(ctx, nil)
	require.NoError(t, err)
	require.Len(t, page1.Records, 2)
	wantOffset := int64(len(lines[0]) + len(lines[1]) + 2)
	assert.Equal(t, wantOffset, page1.Next.ByteOffset)
	assert.True(t, page1.HasMore)

	page2, err := a.FetchPage(ctx, &page1.Next)
	require.NoError(t, err)
	require.Len(t, page2.Records, 2)
	assert.Equal(t, "lisinopril", page2.Records[0].Fields["generic_name"])
	assert.Equal(t, fmt.Sprintf("bytes=%d-", wantOffset), sawRange[1])
	assert.True(t, page2.HasMore)

	page3, err := a.FetchPage(ctx, &page2.Next)
	require.NoError(t, err)
	require.Len(t, page3.Records, 1)
	assert.Equal(t, "atorvastatin", page3.Records[0].Fields["generic_name"])
	assert.False(t, page3.HasMore)
}

// TestDrugLabelAdapter_SkipsMalformedLine tests that a bad line is dropped
// while its bytes still advance the offset.
func TestDrugLabelAdapter_SkipsMalformedLine(t *testing.T) {
	body := `{"generic_name":"metformin","strength":"500 mg","route":"oral"}
this is not json
{"generic_name":"lisinopril","strength":"10 mg","route":"oral"}
`
	srv := httptest.NewServer(serveLinesWithRange(body))
	defer srv.Close()

	a := mustAdapter(t, testSource("drug-labels", srv.URL+"/labels.jsonl", 10), Deps{})
	page, err := a.FetchPage(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, int64(len(body)), page.Next.ByteOffset)
	assert.False(t, page.HasMore)
}

// TestDrugLabelAdapter_GzipDump tests resume against a gzipped dump where
// byte offsets count decompressed bytes skipped locally.
func TestDrugLabelAdapter_GzipDump(t *testing.T) {
	lines := []string{
		`{"generic_name":"metformin","strength":"500 mg","route":"oral"}`,
		`{"generic_name":"lisinopril","strength":"10 mg","route":"oral"}`,
		`{"generic_name":"atorvastatin","strength":"40 mg","route":"oral"}`,
	}
	plain := strings.Join(lines, "\n") + "\n"

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(plain))
	zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"), "gzip dumps must not be range-requested")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	a := mustAdapter(t, testSource("drug-labels", srv.URL+"/labels.jsonl.gz", 2), Deps{})
	ctx := context.Background()

	page1, err := a.FetchPage(ctx, nil)
	require.NoError(t, err)
	require.Len(t, page1.Records, 2)
	assert.True(t, page1.HasMore)

	page2, err := a.FetchPage(ctx, &page1.Next)
	require.NoError(t, err)
	require.Len(t, page2.Records, 1)
	assert.Equal(t, "atorvastatin", page2.Records[0].Fields["generic_name"])
	assert.False(t, page2.HasMore)
}

// fakeS3 is a minimal in-memory object store for the code-set adapter.
type fakeS3 struct {
	objects []fakeObject
}

type fakeObject struct {
	key          string
	body         []byte
	lastModified time.Time
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	after := aws.ToString(in.StartAfter)
	prefix := aws.ToString(in.Prefix)

	var contents []types.Object
	for i := range f.objects {
		obj := &f.objects[i]
		if prefix != "" && !strings.HasPrefix(obj.key, prefix) {
			continue
		}
		if after != "" && obj.key <= after {
			continue
		}
		lm := obj.lastModified
		contents = append(contents, types.Object{
			Key:          aws.String(obj.key),
			LastModified: &lm,
			Size:         aws.Int64(int64(len(obj.body))),
		})
		if in.MaxKeys != nil && len(contents) >= int(*in.MaxKeys) {
			break
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	for i := range f.objects {
		obj := &f.objects[i]
		if obj.key != key {
			continue
		}
		data := obj.body
		if rng := aws.ToString(in.Range); rng != "" {
			var offset int64
			fmt.Sscanf(rng, "bytes=%d-", &offset)
			if offset < int64(len(data)) {
				data = data[offset:]
			} else {
				data = nil
			}
		}
		lm := obj.lastModified
		return &s3.GetObjectOutput{
			Body:         io.NopCloser(bytes.NewReader(data)),
			LastModified: &lm,
		}, nil
	}
	return nil, fmt.Errorf("NoSuchKey: %s", key)
}

func codeSetSource(pageSize int) *catalog.Source {
	src := testSource("code-sets", "", pageSize)
	src.Options = map[string]string{"bucket": "terminology", "prefix": "releases/"}
	return src
}

// TestCodeSetAdapter_WalksObjects tests the object-per-page walk across a
// bucket listing, ending on an empty listing.
func TestCodeSetAdapter_WalksObjects(t *testing.T) {
	mod := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeS3{objects: []fakeObject{
		{key: "releases/icd10-2026.tsv", lastModified: mod, body: []byte(
			"icd10\tE11.9\tType 2 diabetes mellitus without complications\n" +
				"icd10\tI10\tEssential hypertension\n")},
		{key: "releases/loinc-2026.tsv", lastModified: mod, body: []byte(
			"loinc\t2345-7\tGlucose in Serum or Plasma\n")},
	}}

	a := mustAdapter(t, codeSetSource(100), Deps{S3: store})
	ctx := context.Background()

	page1, err := a.FetchPage(ctx, nil)
	require.NoError(t, err)
	require.Len(t, page1.Records, 2)
	assert.Equal(t, "icd10", page1.Records[0].Fields["system"])
	assert.Equal(t, "E11.9", page1.Records[0].Fields["code"])
	assert.Equal(t, "2026-03-01T00:00:00Z", page1.Records[0].Revision)
	assert.Equal(t, "releases/icd10-2026.tsv", page1.Next.Page)
	assert.Zero(t, page1.Next.ByteOffset)
	assert.True(t, page1.HasMore)

	page2, err := a.FetchPage(ctx, &page1.Next)
	require.NoError(t, err)
	require.Len(t, page2.Records, 1)
	assert.Equal(t, "loinc", page2.Records[0].Fields["system"])
	assert.True(t, page2.HasMore)

	page3, err := a.FetchPage(ctx, &page2.Next)
	require.NoError(t, err)
	assert.Empty(t, page3.Records)
	assert.False(t, page3.HasMore)
}

// TestCodeSetAdapter_ResumesMidObject tests the byte-offset resume path
// inside one large object.
func TestCodeSetAdapter_ResumesMidObject(t *testing.T) {
	lines := []string{
		"icd10\tE11.9\tType 2 diabetes",
		"icd10\tI10\tHypertension",
		"icd10\tJ45\tAsthma",
	}
	body := strings.Join(lines, "\n") + "\n"
	store := &fakeS3{objects: []fakeObject{
		{key: "releases/icd10.tsv", lastModified: time.Now(), body: []byte(body)},
	}}

	a := mustAdapter(t, codeSetSource(2), Deps{S3: store})
	ctx := context.Background()

	page1, err := a.FetchPage(ctx, nil)
	require.NoError(t, err)
	require.Len(t, page1.Records, 2)
	assert.Equal(t, "releases/icd10.tsv", page1.Next.Page)
	wantOffset := int64(len(lines[0]) + len(lines[1]) + 2)
	assert.Equal(t, wantOffset, page1.Next.ByteOffset)

	page2, err := a.FetchPage(ctx, &page1.Next)
	require.NoError(t, err)
	require.Len(t, page2.Records, 1)
	assert.Equal(t, "J45", page2.Records[0].Fields["code"])
	assert.Zero(t, page2.Next.ByteOffset, "finished object resets the offset")
}

// TestCodeSetAdapter_SkipsShortLines tests that rows without the minimum
// columns are dropped.
func TestCodeSetAdapter_SkipsShortLines(t *testing.T) {
	store := &fakeS3{objects: []fakeObject{
		{key: "releases/icd10.tsv", lastModified: time.Now(), body: []byte(
			"icd10\tE11.9\tType 2 diabetes\nnot-enough-columns\nicd10\tI10\tHypertension\n")},
	}}

	a := mustAdapter(t, codeSetSource(100), Deps{S3: store})
	page, err := a.FetchPage(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
}

// TestCodeSetAdapter_RequiresBucket tests that construction fails fast
// without a bucket option.
func TestCodeSetAdapter_RequiresBucket(t *testing.T) {
	src := testSource("code-sets", "", 100)
	_, err := New(context.Background(), src, Deps{Logger: testLogger(), S3: &fakeS3{}})
	require.Error(t, err)
	assert.Equal(t, syncerr.ErrorCodeInvalidConfiguration, syncerr.GetErrorCode(err))
}

// TestTopicAdapter_ParsesSections tests topic extraction and next-link
// detection from an HTML listing.
func TestTopicAdapter_ParsesSections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<nav><a href="/">Home</a></nav>
<section class="topic" data-lang="en" data-updated="2026-02-10">
  <h2>High Blood Pressure</h2>
  <p>High blood pressure usually has no symptoms.</p>
  <p>It is diagnosed by repeated measurement.</p>
</section>
<section class="topic" data-lang="es" data-updated="2026-02-11">
  <h2>Presion arterial alta</h2>
  <p>La presion arterial alta generalmente no presenta sintomas.</p>
</section>
<a rel="next" href="?page=2">Next</a>
</body></html>`)
	}))
	defer srv.Close()

	a := mustAdapter(t, testSource("topics", srv.URL, 10), Deps{})
	page, err := a.FetchPage(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)

	first := page.Records[0]
	assert.Equal(t, "High Blood Pressure", first.Fields["title"])
	assert.Equal(t, "en", first.Fields["language"])
	assert.Equal(t, "2026-02-10", first.Revision)
	assert.Contains(t, first.Text, "no symptoms")
	assert.Contains(t, first.Text, "repeated measurement")

	assert.Equal(t, "es", page.Records[1].Fields["language"])
	assert.True(t, page.HasMore)
}

// TestTopicAdapter_LastPage tests that a page without a next link ends
// the walk.
func TestTopicAdapter_LastPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<section class="topic" data-lang="en"><h2>Asthma</h2><p>About asthma.</p></section>
</body></html>`)
	}))
	defer srv.Close()

	a := mustAdapter(t, testSource("topics", srv.URL, 10), Deps{})
	page, err := a.FetchPage(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.False(t, page.HasMore)
}

// TestNextPageNumber tests page-number derivation from checkpoints.
func TestNextPageNumber(t *testing.T) {
	assert.Equal(t, 1, nextPageNumber(nil))
	assert.Equal(t, 1, nextPageNumber(&checkpoint.Checkpoint{}))
	assert.Equal(t, 4, nextPageNumber(&checkpoint.Checkpoint{Page: "3"}))
	assert.Equal(t, 1, nextPageNumber(&checkpoint.Checkpoint{Page: "releases/icd10.tsv"}))
}

// TestAdvance tests checkpoint sequencing for fresh and continuing jobs.
func TestAdvance(t *testing.T) {
	fresh := advance(nil, "src-a", "1", "tok")
	assert.Equal(t, uint64(1), fresh.Seq)
	assert.Equal(t, "1", fresh.Page)
	assert.Equal(t, "tok", fresh.Cursor)

	next := advance(&fresh, "src-a", "2", "")
	assert.Equal(t, uint64(2), next.Seq)
	assert.Equal(t, "2", next.Page)

	withOffset := advanceOffset(&next, "src-a", "3", 512)
	assert.Equal(t, uint64(3), withOffset.Seq)
	assert.Equal(t, int64(512), withOffset.ByteOffset)
}

// TestAdapterIdentity tests the identity accessors shared by all adapters.
func TestAdapterIdentity(t *testing.T) {
	src := testSource("trials", "http://example.test", 10)
	a := mustAdapter(t, src, Deps{})
	assert.Equal(t, src.ID, a.SourceID())
	assert.Equal(t, record.KindTrials, a.Kind())
	assert.NotNil(t, a.Governor())
}
