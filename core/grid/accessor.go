package grid

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// File is an open grid container.
type File interface {
	// UID returns a tag that changes whenever the file contents change.
	UID() string

	// GridNames lists the grids in the file.
	GridNames() []string

	// ReadGrid returns the named grid. The error wraps ErrNotFound,
	// ErrUnsupportedType or ErrInvalidFile.
	ReadGrid(name string) (*Grid, error)

	Close() error
}

// Accessor opens grid files by identity.
type Accessor interface {
	// Open returns the file for identity. The error wraps ErrUnavailable.
	Open(identity string) (File, error)
}

// ByteSource provides random access to remote grid file data.
type ByteSource interface {
	io.ReaderAt

	// Size returns the total size of the data in bytes.
	Size() int64

	// SourceID returns an identifier that changes when the data changes.
	SourceID() string
}

// RemoteOpener opens a ByteSource for a URL identity.
type RemoteOpener func(url string) (ByteSource, error)

// FileAccessor opens .vxg files from the local filesystem and, when a
// RemoteOpener is configured, from http(s) URLs.
type FileAccessor struct {
	remote        RemoteOpener
	contentDigest bool
}

// AccessorOption configures a FileAccessor.
type AccessorOption func(*FileAccessor)

// WithRemoteOpener enables http:// and https:// identities.
func WithRemoteOpener(fn RemoteOpener) AccessorOption {
	return func(a *FileAccessor) {
		a.remote = fn
	}
}

// WithContentDigest makes local file UIDs a SHA-256 of the file contents
// instead of a digest of path, size and modification time. This reads the
// whole file on every Open.
func WithContentDigest() AccessorOption {
	return func(a *FileAccessor) {
		a.contentDigest = true
	}
}

// NewFileAccessor creates a FileAccessor.
func NewFileAccessor(opts ...AccessorOption) *FileAccessor {
	a := &FileAccessor{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func isURL(identity string) bool {
	return strings.HasPrefix(identity, "http://") || strings.HasPrefix(identity, "https://")
}

// Open opens the grid file named by identity.
func (a *FileAccessor) Open(identity string) (File, error) {
	if isURL(identity) {
		if a.remote == nil {
			return nil, fmt.Errorf("%w: %s: remote sources not enabled", ErrUnavailable, identity)
		}
		src, err := a.remote(identity)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, identity, err) //nolint:errorlint // single wrap target
		}
		r, err := NewReader(src, src.Size())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, identity, err) //nolint:errorlint // single wrap target
		}
		r.uid = digest.FromString(src.SourceID()).String()
		return r, nil
	}

	f, err := os.Open(identity) //nolint:gosec // identity is a caller-chosen path
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err) //nolint:errorlint // single wrap target
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err) //nolint:errorlint // single wrap target
	}
	uid, err := a.localUID(identity, f, info)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, identity, err) //nolint:errorlint // single wrap target
	}
	r, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, identity, err) //nolint:errorlint // single wrap target
	}
	r.uid = uid
	r.closer = f
	return r, nil
}

func (a *FileAccessor) localUID(path string, f *os.File, info os.FileInfo) (string, error) {
	if a.contentDigest {
		d, err := digest.FromReader(io.NewSectionReader(f, 0, info.Size()))
		if err != nil {
			return "", err
		}
		return d.String(), nil
	}
	return fileGeneration(path, info), nil
}

func fileGeneration(path string, info os.FileInfo) string {
	return digest.FromString(fmt.Sprintf("%s|size:%d|mtime:%d", path, info.Size(), info.ModTime().UnixNano())).String()
}

// Identify returns the stable identity of a grid file and its current UID.
// Local paths are made absolute and symlink-resolved so that two spellings
// of the same file compare equal. URLs are returned unchanged with an
// empty UID; their UID is known only after Open.
func Identify(path string) (identity, uid string, err error) {
	if isURL(path) {
		return path, "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", fmt.Errorf("grid: identify %s: %w", path, err)
	}
	if resolved, evalErr := filepath.EvalSymlinks(abs); evalErr == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnavailable, err) //nolint:errorlint // single wrap target
	}
	return abs, fileGeneration(abs, info), nil
}
