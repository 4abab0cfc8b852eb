// Package http provides an archive byte source backed by HTTP range requests.
package http //nolint:revive // intentional naming for domain clarity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultMaxTries is the number of attempts made for each request.
	DefaultMaxTries uint = 4

	// closeDrainLimit bounds how much of an unread body Close consumes to
	// keep the connection reusable.
	closeDrainLimit = 64 << 10
)

// ErrRangeUnsupported is returned when the server ignores Range headers.
var ErrRangeUnsupported = errors.New("http: range requests not supported")

// StatusError reports an unexpected HTTP response status.
type StatusError struct {
	Op         string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Status)
}

// Source implements random access reads via HTTP range requests.
// It satisfies asar.ByteSource (io.ReaderAt plus Size) and also streams
// ranges through ReadRange. Transient failures (network errors, 5xx and 429
// responses) are retried with exponential backoff.
//
// Source is safe for concurrent use; every read is an independent request.
type Source struct {
	url                   string
	client                *nethttp.Client
	headers               nethttp.Header
	ctx                   context.Context
	size                  int64
	etag                  string
	lastModified          string
	sourceID              string
	useConditionalHeaders bool
	maxTries              uint
	newBackOff            func() backoff.BackOff
	logger                *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithSourceID overrides the default source identifier used for caching.
func WithSourceID(id string) Option {
	return func(s *Source) {
		s.sourceID = id
	}
}

// WithConditionalHeaders enables conditional range reads using ETag or Last-Modified.
// This is disabled by default because some servers reject conditional range requests.
func WithConditionalHeaders() Option {
	return func(s *Source) {
		s.useConditionalHeaders = true
	}
}

// WithContext sets the context attached to every request. Cancelling it
// aborts in-flight and future reads.
func WithContext(ctx context.Context) Option {
	return func(s *Source) {
		s.ctx = ctx
	}
}

// WithMaxTries sets the number of attempts per request. 1 disables retries.
func WithMaxTries(n uint) Option {
	return func(s *Source) {
		s.maxTries = max(n, 1)
	}
}

// WithBackOff sets the delay policy between attempts. newBackOff is called
// once per request so policies with state are not shared.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Source) {
		s.newBackOff = newBackOff
	}
}

// WithLogger sets the logger used to report retried requests.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource creates a Source backed by HTTP range requests.
// It probes the remote to determine the content size.
func NewSource(url string, opts ...Option) (*Source, error) {
	s := &Source{
		url:        url,
		client:     nethttp.DefaultClient,
		ctx:        context.Background(),
		maxTries:   DefaultMaxTries,
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}

	size, etag, lastModified, err := s.fetchMetadata()
	if err != nil {
		return nil, err
	}
	s.size = size
	s.etag = etag
	s.lastModified = lastModified
	if s.sourceID == "" {
		s.sourceID = s.defaultSourceID()
	}
	return s, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Source) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// URL returns the remote location.
func (s *Source) URL() string {
	return s.url
}

// Size returns the total size of the remote content.
func (s *Source) Size() int64 {
	return s.size
}

// SourceID returns a stable identifier for the remote content.
func (s *Source) SourceID() string {
	return s.sourceID
}

// ReadRange returns a reader for the specified byte range [off, off+length).
// It returns an error if offset or length is negative. If the offset is at or
// beyond the content size, it returns io.EOF. The returned reader must be closed
// by the caller to release the underlying HTTP connection.
func (s *Source) ReadRange(off, length int64) (io.ReadCloser, error) {
	if length < 0 {
		return nil, fmt.Errorf("read range length %d: negative length", length)
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if off < 0 {
		return nil, fmt.Errorf("read range %d: negative offset", off)
	}
	if off >= s.size {
		return io.NopCloser(bytes.NewReader(nil)), io.EOF
	}
	if length > s.size-off {
		length = s.size - off
	}

	resp, err := s.fetchRange(off, off+length-1)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return io.NopCloser(bytes.NewReader(nil)), io.EOF
	}
	return &rangeReadCloser{
		body:   resp.Body,
		reader: io.LimitReader(resp.Body, length),
	}, nil
}

// ReadAt reads len(p) bytes from the remote at the given offset using HTTP range requests.
// It implements [io.ReaderAt]. If fewer bytes are available than requested, it returns
// the number of bytes read along with io.EOF.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= s.size {
		end = s.size - 1
		expected = int(end - off + 1)
	}

	resp, err := s.fetchRange(off, end)
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, io.EOF
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()

	n, err := io.ReadFull(resp.Body, p[:expected])
	if err != nil {
		return n, err
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// fetchRange performs a range GET with retries and returns a 206 response.
// It returns (nil, nil) when the server reports the range unsatisfiable.
func (s *Source) fetchRange(off, end int64) (*nethttp.Response, error) {
	op := fmt.Sprintf("range request %d-%d", off, end)
	return s.retry(op, func() (*nethttp.Response, error) {
		resp, err := s.rangeRequest(off, end, true)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == nethttp.StatusPreconditionFailed && s.hasConditionalHeaders() {
			resp.Body.Close()
			resp, err = s.rangeRequest(off, end, false)
			if err != nil {
				return nil, err
			}
		}

		switch resp.StatusCode {
		case nethttp.StatusPartialContent:
			return resp, nil
		case nethttp.StatusRequestedRangeNotSatisfiable:
			resp.Body.Close()
			return nil, nil //nolint:nilnil // unsatisfiable range maps to EOF
		case nethttp.StatusOK:
			resp.Body.Close()
			return nil, backoff.Permanent(ErrRangeUnsupported)
		default:
			resp.Body.Close()
			return nil, statusErr(op, resp)
		}
	})
}

// retry runs attempt until it succeeds, fails permanently, or runs out of
// tries. Only transient failures are retried.
func (s *Source) retry(op string, attempt func() (*nethttp.Response, error)) (*nethttp.Response, error) {
	tries := 0
	resp, err := backoff.Retry(s.ctx, func() (*nethttp.Response, error) {
		tries++
		resp, err := attempt()
		if err == nil {
			return resp, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, err
		}
		if !isRetriable(err) {
			return nil, backoff.Permanent(err)
		}
		s.log().Debug("retrying http request", "op", op, "url", s.url, "attempt", tries, "error", err)
		return nil, err
	}, backoff.WithBackOff(s.newBackOff()), backoff.WithMaxTries(s.maxTries))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// isRetriable reports whether err is worth another attempt.
func isRetriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == nethttp.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func statusErr(op string, resp *nethttp.Response) error {
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Status: resp.Status}
}

// defaultSourceID builds a source identifier from the URL and available metadata.
func (s *Source) defaultSourceID() string {
	if s.etag != "" {
		return fmt.Sprintf("url:%s|etag:%s", s.url, s.etag)
	}
	if s.lastModified != "" {
		return fmt.Sprintf("url:%s|mod:%s|size:%d", s.url, s.lastModified, s.size)
	}
	return fmt.Sprintf("url:%s|size:%d", s.url, s.size)
}

// fetchMetadata retrieves content size and cache validators from the remote server.
// It first attempts a HEAD request, then verifies with a range probe.
func (s *Source) fetchMetadata() (size int64, etag, lastModified string, err error) {
	size = -1

	if resp, headErr := s.doHead(); headErr == nil {
		if resp.StatusCode == nethttp.StatusOK {
			size = resp.ContentLength
			etag = resp.Header.Get("ETag")
			lastModified = resp.Header.Get("Last-Modified")
		}
		resp.Body.Close()
	}

	rangeSize, rangeETag, rangeLastModified, err := s.rangeProbe()
	if err != nil {
		return 0, "", "", err
	}
	if size > 0 && size != rangeSize {
		return 0, "", "", fmt.Errorf("content size mismatch: head=%d range=%d", size, rangeSize)
	}
	if etag == "" {
		etag = rangeETag
	}
	if lastModified == "" {
		lastModified = rangeLastModified
	}
	return rangeSize, etag, lastModified, nil
}

// rangeProbe verifies range request support and extracts content size from Content-Range.
func (s *Source) rangeProbe() (size int64, etag, lastModified string, err error) {
	const op = "range probe"
	resp, err := s.retry(op, func() (*nethttp.Response, error) {
		req, err := s.newRequest(nethttp.MethodGet, false)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Range", "bytes=0-0")
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case nethttp.StatusPartialContent:
			return resp, nil
		case nethttp.StatusOK:
			resp.Body.Close()
			return nil, backoff.Permanent(ErrRangeUnsupported)
		default:
			resp.Body.Close()
			return nil, statusErr(op, resp)
		}
	})
	if err != nil {
		return 0, "", "", err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, "", "", errors.New("range probe missing Content-Range")
	}
	size, err = parseContentRange(crange)
	if err != nil {
		return 0, "", "", err
	}

	return size, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}

// doHead performs a HEAD request to retrieve metadata without body content.
func (s *Source) doHead() (*nethttp.Response, error) {
	req, err := s.newRequest(nethttp.MethodHead, false)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

// newRequest creates an HTTP request with configured headers and optional conditional headers.
func (s *Source) newRequest(method string, withConditions bool) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(s.ctx, method, s.url, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if method == nethttp.MethodGet && withConditions && s.useConditionalHeaders {
		if s.etag != "" && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", s.etag)
		}
		if s.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	return req, nil
}

// rangeRequest performs a GET request for the specified byte range.
func (s *Source) rangeRequest(off, end int64, withConditions bool) (*nethttp.Response, error) {
	req, err := s.newRequest(nethttp.MethodGet, withConditions)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	return s.client.Do(req)
}

// hasConditionalHeaders reports whether conditional headers are enabled and available.
func (s *Source) hasConditionalHeaders() bool {
	if !s.useConditionalHeaders {
		return false
	}
	return s.etag != "" || s.lastModified != ""
}

// rangeReadCloser wraps an HTTP response body with a limit reader.
type rangeReadCloser struct {
	body   io.ReadCloser
	reader io.Reader
}

// Read reads from the underlying limit reader.
func (r *rangeReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

// Close drains a bounded amount of the body and closes it. A reader
// abandoned far from its end gives up the connection instead of downloading
// the rest of the range.
func (r *rangeReadCloser) Close() error {
	_, _ = io.CopyN(io.Discard, r.body, closeDrainLimit) //nolint:errcheck // best-effort drain for connection reuse
	return r.body.Close()
}

// parseContentRange extracts the total size from a Content-Range header value.
// It expects the format "bytes start-end/size" and returns the size portion.
func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if parts[1] == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
