package cache

import (
	"fmt"
	"strconv"

	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
)

// Spec identifies a sampled volume request.
type Spec struct {
	// SourceIdentity is a stable identity for the grid file, e.g. an
	// absolute path. Two opens of the same file must produce the same value.
	SourceIdentity string

	// SourceUID distinguishes generations of the file's contents.
	// It is stored with the entry but is not part of the key.
	SourceUID string

	// GridName names the grid inside the file.
	GridName string

	// Extents is the requested lattice resolution.
	Extents sampling.Extents
}

// Key is the lookup identity of a Spec. It excludes SourceUID.
type Key struct {
	SourceIdentity string
	GridName       string
	Extents        sampling.Extents
}

// Key returns the lookup key for s.
func (s Spec) Key() Key {
	return Key{SourceIdentity: s.SourceIdentity, GridName: s.GridName, Extents: s.Extents}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s@%s", k.SourceIdentity, k.GridName, k.Extents)
}

// flightKey encodes k for coalescing concurrent fills. Unlike String, it is
// unambiguous for identities and grid names containing separators.
func (k Key) flightKey() string {
	return strconv.Quote(k.SourceIdentity) + "\x00" + strconv.Quote(k.GridName) + "\x00" + k.Extents.String()
}

// String returns a human-readable form of the spec.
func (s Spec) String() string {
	return s.Key().String()
}
