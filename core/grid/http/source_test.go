package http_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
	gridhttp "github.com/LumaPictures/openvdb-render-sub000/core/grid/http"
	"github.com/LumaPictures/openvdb-render-sub000/core/testutil"
)

func serve(t *testing.T, data []byte, etag string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSource_ReadAt(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	server := serve(t, data, "")

	src, err := gridhttp.NewSource(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if src.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", src.Size(), len(data))
	}

	tests := []struct {
		name    string
		bufSize int
		offset  int64
		wantN   int
		wantErr error
		want    string
	}{
		{name: "read from middle", bufSize: 5, offset: 6, wantN: 5, want: "world"},
		{name: "read past end returns EOF", bufSize: 10, offset: int64(len(data) - 3), wantN: 3, wantErr: io.EOF, want: "rld"},
		{name: "offset at end", bufSize: 4, offset: int64(len(data)), wantN: 0, wantErr: io.EOF},
		{name: "empty buffer", bufSize: 0, offset: 2, wantN: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := make([]byte, tt.bufSize)
			n, err := src.ReadAt(buf, tt.offset)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ReadAt() error = %v, want %v", err, tt.wantErr)
			}
			if n != tt.wantN {
				t.Fatalf("ReadAt() n = %d, want %d", n, tt.wantN)
			}
			if got := string(buf[:n]); got != tt.want {
				t.Fatalf("ReadAt() got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewSource_RangeUnsupported(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = w.Write([]byte("no ranges here"))
	}))
	t.Cleanup(server.Close)

	_, err := gridhttp.NewSource(context.Background(), server.URL)
	if !errors.Is(err, gridhttp.ErrRangeUnsupported) {
		t.Fatalf("NewSource() error = %v, want %v", err, gridhttp.ErrRangeUnsupported)
	}
}

func TestSource_HeadersAndSourceID(t *testing.T) {
	t.Parallel()

	var sawAuth atomic.Bool
	data := []byte("0123456789")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Header.Get("Authorization") == "Bearer token" {
			sawAuth.Store(true)
		}
		w.Header().Set("ETag", `"v1"`)
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	src, err := gridhttp.NewSource(context.Background(), server.URL, gridhttp.WithHeader("Authorization", "Bearer token"))
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if !sawAuth.Load() {
		t.Fatal("Authorization header not sent")
	}
	if id := src.SourceID(); !strings.Contains(id, `"v1"`) {
		t.Fatalf("SourceID() = %q, want etag", id)
	}
}

func TestSource_ChangedSinceOpen(t *testing.T) {
	t.Parallel()

	var etag atomic.Value
	etag.Store(`"v1"`)
	data := []byte("0123456789")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("ETag", etag.Load().(string)) //nolint:forcetypeassert // test-only
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	src, err := gridhttp.NewSource(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	etag.Store(`"v2"`)

	buf := make([]byte, 4)
	if _, err := src.ReadAt(buf, 0); err == nil {
		t.Fatal("ReadAt() succeeded after content changed")
	}
}

func TestParseContentRangeViaProbe(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.Header().Set("Content-Range", "bytes 0-0/*")
		w.WriteHeader(nethttp.StatusPartialContent)
		_, _ = w.Write([]byte("x"))
	}))
	t.Cleanup(server.Close)

	if _, err := gridhttp.NewSource(context.Background(), server.URL); err == nil {
		t.Fatal("NewSource() accepted unknown total size")
	}
}

func TestRemoteGridThroughAccessor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := grid.Encode(&buf, testutil.SphereGrid("density", 5, 0.1), testutil.EmptyGrid("empty")); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var requests atomic.Int64
	data := buf.Bytes()
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		requests.Add(1)
		w.Header().Set("ETag", `"grid-v1"`)
		nethttp.ServeContent(w, r, "cloud.vxg", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	a := grid.NewFileAccessor(grid.WithRemoteOpener(gridhttp.Opener(context.Background())))
	f, err := a.Open(server.URL + "/cloud.vxg")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	if f.UID() == "" {
		t.Fatal("UID() is empty")
	}
	before := requests.Load()
	g, err := f.ReadGrid("density")
	if err != nil {
		t.Fatalf("ReadGrid() error = %v", err)
	}
	if g.IndexBounds().Empty() {
		t.Fatal("remote grid has empty bounds")
	}
	if got := requests.Load() - before; got != 1 {
		t.Fatalf("ReadGrid() issued %d requests, want 1", got)
	}
	if _, err := f.ReadGrid("nope"); !errors.Is(err, grid.ErrNotFound) {
		t.Fatalf("ReadGrid(nope) error = %v, want %v", err, grid.ErrNotFound)
	}
}
