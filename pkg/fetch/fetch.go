// Package fetch provides the streaming HTTP layer shared by all source
// adapters. Responses are consumed incrementally through a counting reader;
// nothing here buffers a whole payload.
package fetch

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/medmirror/medmirror/pkg/syncerr"
)

const defaultHeaderTimeout = 30 * time.Second

// Client fetches pages for one source. The overall request has no body
// deadline (payloads can be tens of gigabytes); cancellation comes from the
// caller's context.
type Client struct {
	sourceID  string
	hc        *http.Client
	userAgent string
}

// NewClient creates a fetch client for a source.
func NewClient(sourceID string) *Client {
	return &Client{
		sourceID: sourceID,
		hc: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: defaultHeaderTimeout,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		userAgent: "medmirror/1.0",
	}
}

// Body is a streaming response. Close it when done.
type Body struct {
	rc io.ReadCloser

	// StatusCode of the response (200 or 206)
	StatusCode int

	// Resumed is true when the server honored a byte-range resume
	Resumed bool

	// ContentLength as reported by the server, -1 when unknown
	ContentLength int64

	read atomic.Int64
}

// Read implements io.Reader, counting consumed bytes for checkpointing.
func (b *Body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.read.Add(int64(n))
	return n, err
}

// Close implements io.Closer
func (b *Body) Close() error {
	return b.rc.Close()
}

// BytesRead reports how many payload bytes the caller has consumed. Combined
// with the checkpoint's byte offset this addresses an exact resume position.
func (b *Body) BytesRead() int64 {
	return b.read.Load()
}

// Get streams a URL starting at the given byte offset. Offset zero fetches
// from the start. Non-2xx responses are classified into the error taxonomy:
// 429/503 as rate limited (with any Retry-After hint), other 5xx as
// transient, remaining 4xx as permanent for the requested unit.
func (c *Client) Get(ctx context.Context, url string, offset int64) (*Body, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, syncerr.ErrPermanentRecord(c.sourceID, url, "invalid request URL").WithCause(err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, syncerr.ErrTransient(c.sourceID, err).WithContext("url", url)
	}

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusPartialContent:
		// Carry on below
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		hint := parseRetryAfter(resp.Header.Get("Retry-After"))
		resp.Body.Close()
		return nil, syncerr.ErrRateLimited(c.sourceID, hint).
			WithContext("url", url).
			WithContext("status", resp.StatusCode)
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, syncerr.ErrTransient(c.sourceID, fmt.Errorf("HTTP %d", resp.StatusCode)).
			WithContext("url", url)
	default:
		resp.Body.Close()
		return nil, syncerr.ErrPermanentRecord(c.sourceID, url,
			fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	body := &Body{
		rc:            resp.Body,
		StatusCode:    resp.StatusCode,
		Resumed:       resp.StatusCode == http.StatusPartialContent,
		ContentLength: resp.ContentLength,
	}

	// A server that ignored the Range request replays from byte zero; skip
	// ahead so the caller still reads from the requested offset
	if offset > 0 && !body.Resumed {
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			resp.Body.Close()
			return nil, syncerr.ErrTransient(c.sourceID, err).
				WithContext("url", url).
				WithContext("skip_offset", offset)
		}
	}

	return body, nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// GzipReader transparently unwraps gzip payloads, keyed off the response
// headers or a .gz suffix on the unit name. The caller still closes the
// original body.
func GzipReader(r io.Reader, contentEncoding, name string) (io.ReadCloser, error) {
	if contentEncoding == "gzip" || strings.HasSuffix(name, ".gz") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return zr, nil
	}
	return io.NopCloser(r), nil
}
