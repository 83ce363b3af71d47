package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/fetch"
	"github.com/medmirror/medmirror/pkg/record"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

// S3API is the slice of the S3 client the code-set adapter uses. Tests swap
// in a fake; production uses *s3.Client directly.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// CodeSetAdapter mirrors terminology releases published as objects in an
// S3-compatible bucket. Each object holds one release as tab-separated
// lines (system, code, display, optional description). A page is a chunk of
// one object; the checkpoint records the last completed object key plus a
// byte offset when stopping mid-object.
type CodeSetAdapter struct {
	base
	s3c    S3API
	bucket string
	prefix string
}

var _ Adapter = (*CodeSetAdapter)(nil)

func newCodeSetAdapter(ctx context.Context, b base, client S3API) (*CodeSetAdapter, error) {
	bucket := b.src.Option("bucket", "")
	if bucket == "" {
		return nil, syncerr.ErrInvalidConfiguration(
			fmt.Sprintf("sources[%s].options.bucket", b.src.ID), "", "code-set sources need a bucket")
	}

	if client == nil {
		var err error
		client, err = newS3Client(ctx, b.src.Option, b.src.ID)
		if err != nil {
			return nil, err
		}
	}

	return &CodeSetAdapter{
		base:   b,
		s3c:    client,
		bucket: bucket,
		prefix: b.src.Option("prefix", ""),
	}, nil
}

// newS3Client builds a real client from source options. Static credentials
// and a custom endpoint cover MinIO and other S3-compatible stores.
func newS3Client(ctx context.Context, opt func(string, string) string, sourceID string) (S3API, error) {
	region := opt("region", "us-east-1")

	var loadOpts []func(*config.LoadOptions) error
	loadOpts = append(loadOpts, config.WithRegion(region))

	accessKey := opt("access_key_id", "")
	secretKey := opt("secret_access_key", "")
	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, syncerr.ErrInvalidConfiguration(
			fmt.Sprintf("sources[%s].options", sourceID), "", "failed to load AWS config").WithCause(err)
	}

	endpoint := opt("endpoint", "")
	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if endpoint != "" {
			scheme := "https"
			if opt("use_ssl", "true") == "false" {
				scheme = "http"
			}
			o.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", scheme, endpoint))
		}
		o.UsePathStyle = opt("force_path_style", "") == "true"
	}), nil
}

// FetchPage implements Adapter
func (a *CodeSetAdapter) FetchPage(ctx context.Context, cp *checkpoint.Checkpoint) (*Page, error) {
	if err := a.acquire(ctx); err != nil {
		return nil, err
	}

	// A positive offset means the prior run stopped inside an object;
	// otherwise list the object after the last completed key.
	if cp != nil && cp.ByteOffset > 0 && cp.Page != "" {
		return a.readObject(ctx, cp, cp.Page, cp.ByteOffset, "")
	}

	key, revision, err := a.nextKey(ctx, cp)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return &Page{
			Next:    advance(cp, a.src.ID, lastPage(cp), ""),
			HasMore: false,
		}, nil
	}
	return a.readObject(ctx, cp, key, 0, revision)
}

// nextKey lists the single object following the checkpointed key. StartAfter
// keys survive restarts, unlike continuation tokens.
func (a *CodeSetAdapter) nextKey(ctx context.Context, cp *checkpoint.Checkpoint) (string, string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		MaxKeys: aws.Int32(1),
	}
	if a.prefix != "" {
		input.Prefix = aws.String(a.prefix)
	}
	if cp != nil && cp.Page != "" {
		input.StartAfter = aws.String(cp.Page)
	}

	out, err := a.s3c.ListObjectsV2(ctx, input)
	if err != nil {
		return "", "", a.classifyS3Error(ctx, err)
	}
	if len(out.Contents) == 0 {
		return "", "", nil
	}

	obj := out.Contents[0]
	revision := ""
	if obj.LastModified != nil {
		revision = obj.LastModified.UTC().Format(time.RFC3339)
	}
	return aws.ToString(obj.Key), revision, nil
}

// readObject streams one object from the given offset, stopping after
// PageSize records. Gzipped objects are fetched whole and the offset skipped
// in decompressed space, since ranged reads cannot address inside gzip.
func (a *CodeSetAdapter) readObject(ctx context.Context, cp *checkpoint.Checkpoint, key string, offset int64, revision string) (*Page, error) {
	gzipped := strings.HasSuffix(key, ".gz")

	input := &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}
	if offset > 0 && !gzipped {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	out, err := a.s3c.GetObject(ctx, input)
	if err != nil {
		return nil, a.classifyS3Error(ctx, err)
	}
	defer out.Body.Close()

	if revision == "" && out.LastModified != nil {
		revision = out.LastModified.UTC().Format(time.RFC3339)
	}

	var reader io.Reader = out.Body
	if gzipped {
		gz, err := fetch.GzipReader(out.Body, "", key)
		if err != nil {
			return nil, syncerr.ErrPermanentRecord(a.src.ID, key, "corrupt gzip object").WithCause(err)
		}
		defer gz.Close()
		if _, err := io.CopyN(io.Discard, gz, offset); err != nil && err != io.EOF {
			return nil, syncerr.ErrTransient(a.src.ID, err).WithContext("key", key)
		}
		reader = gz
	}

	records, consumed, eof, err := a.readLines(reader, key, revision, offset)
	if err != nil {
		return nil, syncerr.ErrTransient(a.src.ID, err).WithContext("key", key)
	}

	next := advanceOffset(cp, a.src.ID, key, 0)
	if !eof {
		next.ByteOffset = offset + consumed
	}
	return &Page{
		Records: records,
		Next:    next,
		HasMore: true,
	}, nil
}

func (a *CodeSetAdapter) readLines(r io.Reader, key, revision string, base int64) ([]record.RawRecord, int64, bool, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var records []record.RawRecord
	var consumed int64
	eof := false

	for len(records) < a.src.PageSize {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			consumed += int64(len(line))
			trimmed := strings.TrimRight(line, "\r\n")
			if trimmed != "" {
				if rec, ok := a.parseLine(trimmed, revision); ok {
					records = append(records, rec)
				} else {
					a.logger.Warn("skipping malformed code line",
						"key", key, "offset", base+consumed)
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

// parseLine splits a tab-separated code row: system, code, display, then an
// optional free-text description column.
func (a *CodeSetAdapter) parseLine(line, revision string) (record.RawRecord, bool) {
	parts := strings.Split(line, "\t")
	if len(parts) < 3 {
		return record.RawRecord{}, false
	}
	text := ""
	if len(parts) > 3 {
		text = parts[3]
	}
	return record.RawRecord{
		SourceID:      a.src.ID,
		Kind:          record.KindCodeSets,
		SchemaVersion: a.src.SchemaVersion,
		Fields: map[string]string{
			"system":  parts[0],
			"code":    parts[1],
			"display": parts[2],
		},
		Text:        text,
		Revision:    revision,
		RetrievedAt: now(),
	}, true
}

// classifyS3Error maps SDK failures into the sync taxonomy. Cancellation
// surfaces as-is; everything else is transient, since bucket-level problems
// (throttling, connectivity) clear on retry.
func (a *CodeSetAdapter) classifyS3Error(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return syncerr.ErrTransient(a.src.ID, err).WithContext("bucket", a.bucket)
}

func lastPage(cp *checkpoint.Checkpoint) string {
	if cp == nil {
		return ""
	}
	return cp.Page
}
