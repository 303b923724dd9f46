package sampling

import (
	"fmt"
	"math"

	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
	"github.com/LumaPictures/openvdb-render-sub000/core/internal/sizing"
)

// FilterMode selects how the source grid is filtered onto the lattice.
type FilterMode uint8

const (
	// FilterAuto picks FilterMultires when the lattice is coarser than the
	// source by more than one octave, FilterBox otherwise.
	FilterAuto FilterMode = iota

	// FilterBox samples the source trilinearly at each lattice cell center.
	FilterBox

	// FilterMultires samples one level of a box-filtered mip pyramid.
	FilterMultires
)

// String returns the filter mode name.
func (m FilterMode) String() string {
	switch m {
	case FilterAuto:
		return "auto"
	case FilterBox:
		return "box"
	case FilterMultires:
		return "multires"
	default:
		return fmt.Sprintf("FilterMode(%d)", uint8(m))
	}
}

// ParseFilterMode parses "auto", "box" or "multires".
func ParseFilterMode(s string) (FilterMode, error) {
	switch s {
	case "auto":
		return FilterAuto, nil
	case "box":
		return FilterBox, nil
	case "multires":
		return FilterMultires, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFilterMode, s)
	}
}

// Extents is a lattice resolution.
type Extents struct {
	X, Y, Z int
}

// Valid reports whether every component is at least 1.
func (e Extents) Valid() bool {
	return e.X >= 1 && e.Y >= 1 && e.Z >= 1
}

// Count returns X*Y*Z, or false if it overflows.
func (e Extents) Count() (uint64, bool) {
	return sizing.VoxelCount(e.X, e.Y, e.Z)
}

func (e Extents) String() string {
	return fmt.Sprintf("%dx%dx%d", e.X, e.Y, e.Z)
}

func (e Extents) vec() grid.Vec3 {
	return grid.Vec3{X: float64(e.X), Y: float64(e.Y), Z: float64(e.Z)}
}

// LOD returns log2 of the largest per-axis ratio of source voxels to lattice
// cells. Values above zero mean the lattice under-resolves the source.
func LOD(bounds grid.CoordBBox, extents Extents) float64 {
	if bounds.Empty() || !extents.Valid() {
		return 0
	}
	return math.Log2(bounds.Extents().Vec().Div(extents.vec()).MaxComponent())
}

// ChooseFilter resolves FilterAuto for a source with the given index bounds.
func ChooseFilter(bounds grid.CoordBBox, extents Extents) FilterMode {
	if LOD(bounds, extents) > 1 {
		return FilterMultires
	}
	return FilterBox
}
