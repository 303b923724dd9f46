// Package http reads remote grid files through HTTP range requests, so that
// opening a file fetches only its directory and each grid block is
// downloaded when the grid is read.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
)

// ErrRangeUnsupported is returned when the server ignores Range headers.
var ErrRangeUnsupported = errors.New("http: range requests not supported")

// defaultTimeout bounds each request when no client is supplied.
const defaultTimeout = 30 * time.Second

// Source implements random access reads of a remote file.
// It satisfies grid.ByteSource.
type Source struct {
	url     string
	client  *nethttp.Client
	headers nethttp.Header
	ctx     context.Context

	size         int64
	etag         string
	lastModified string
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeader sets a header on each request, e.g. Authorization.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// NewSource probes url for its size and validators and returns a Source.
// ctx bounds the probe and every later read.
func NewSource(ctx context.Context, url string, opts ...Option) (*Source, error) {
	s := &Source{url: url, ctx: ctx}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &nethttp.Client{Timeout: defaultTimeout}
	}
	if err := s.probe(); err != nil {
		return nil, err
	}
	return s, nil
}

// Opener returns a grid.RemoteOpener that creates a Source per URL.
func Opener(ctx context.Context, opts ...Option) grid.RemoteOpener {
	return func(url string) (grid.ByteSource, error) {
		src, err := NewSource(ctx, url, opts...)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

// Size returns the total size of the remote content.
func (s *Source) Size() int64 {
	return s.size
}

// SourceID identifies the remote content generation. It prefers the ETag,
// then Last-Modified, then size.
func (s *Source) SourceID() string {
	switch {
	case s.etag != "":
		return fmt.Sprintf("url:%s|etag:%s", s.url, s.etag)
	case s.lastModified != "":
		return fmt.Sprintf("url:%s|mod:%s|size:%d", s.url, s.lastModified, s.size)
	default:
		return fmt.Sprintf("url:%s|size:%d", s.url, s.size)
	}
}

// ReadAt reads len(p) bytes at off. Reads past the end return io.EOF with
// the bytes that were available.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("http: read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), s.size) - 1
	want := int(end - off + 1)

	resp, err := s.do(nethttp.MethodGet, fmt.Sprintf("bytes=%d-%d", off, end), true)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case nethttp.StatusOK:
		return 0, ErrRangeUnsupported
	case nethttp.StatusPreconditionFailed:
		return 0, fmt.Errorf("http: %s changed since open", s.url)
	default:
		return 0, fmt.Errorf("http: range request failed: %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:want])
	if err != nil {
		return n, err
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// probe fetches the first byte to learn the content size from Content-Range
// and to confirm range support.
func (s *Source) probe() error {
	resp, err := s.do(nethttp.MethodGet, "bytes=0-0", false)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusOK:
		return ErrRangeUnsupported
	default:
		return fmt.Errorf("http: probe %s: %s", s.url, resp.Status)
	}

	size, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return err
	}
	s.size = size
	s.etag = resp.Header.Get("ETag")
	s.lastModified = resp.Header.Get("Last-Modified")
	return nil
}

// do issues a request. Validators from the probe are sent as conditions on
// reads so that a file replaced mid-read fails instead of mixing generations.
func (s *Source) do(method, byteRange string, conditional bool) (*nethttp.Response, error) {
	req, err := nethttp.NewRequestWithContext(s.ctx, method, s.url, nethttp.NoBody)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	for key, values := range s.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Range", byteRange)
	if conditional {
		if s.etag != "" {
			req.Header.Set("If-Match", s.etag)
		} else if s.lastModified != "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	return resp, nil
}

func drain(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
	_ = resp.Body.Close()
}

// parseContentRange extracts the total size from "bytes start-end/size".
func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	rest, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	return size, nil
}
