// Package grid provides read access to sparse volumetric grids.
//
// A Grid pairs a sparse voxel tree with an index-to-world Transform. Grids are
// stored in .vxg files, which hold a directory of named grids followed by
// independently zstd-compressed grid blocks, so a single grid can be read
// without decoding the rest of the file.
//
// Callers obtain grids through an [Accessor]. Every failure to produce a
// sampleable grid wraps one of [ErrUnavailable], [ErrNotFound],
// [ErrUnsupportedType] or [ErrInvalidFile].
package grid

import (
	"errors"
	"math"
)

var (
	// ErrUnavailable is returned when a grid source cannot be opened.
	ErrUnavailable = errors.New("grid: source unavailable")

	// ErrNotFound is returned when a file has no grid with the requested name.
	ErrNotFound = errors.New("grid: not found")

	// ErrUnsupportedType is returned when a grid's value type cannot be sampled as a scalar field.
	ErrUnsupportedType = errors.New("grid: unsupported value type")

	// ErrInvalidFile is returned when grid file data is malformed.
	ErrInvalidFile = errors.New("grid: invalid file")
)

// Grid is a named sparse scalar field with a transform.
type Grid struct {
	Name      string
	Transform Transform
	Source    Source

	// FileBounds holds the index bounds recorded in file metadata. When nil,
	// IndexBounds falls back to the tree's active bounds.
	FileBounds *CoordBBox
}

// NewScalarGrid returns a grid over a scalar tree.
func NewScalarGrid(name string, xform Transform, t *Tree[float32]) *Grid {
	return &Grid{Name: name, Transform: xform, Source: ScalarSource(t)}
}

// NewVectorGrid returns a grid over a vector tree, read as the component mean.
func NewVectorGrid(name string, xform Transform, t *Tree[[3]float32]) *Grid {
	return &Grid{Name: name, Transform: xform, Source: VectorAveragedSource(t)}
}

// IndexBounds returns the defined (non-background) index-space bounding box.
// Metadata bounds use MaxInt32/MinInt32 sentinels to mark an empty grid.
func (g *Grid) IndexBounds() CoordBBox {
	if g.FileBounds == nil {
		return g.Source.ActiveBounds()
	}
	b := *g.FileBounds
	if b.Min.X == math.MaxInt32 || b.Min.Y == math.MaxInt32 || b.Min.Z == math.MaxInt32 ||
		b.Max.X == math.MinInt32 || b.Max.Y == math.MinInt32 || b.Max.Z == math.MinInt32 {
		return EmptyBBox()
	}
	return b
}

// WorldBounds returns IndexBounds mapped to world space.
func (g *Grid) WorldBounds() BBox {
	return g.Transform.IndexBBoxToWorld(g.IndexBounds())
}

// Value returns the scalar value of the voxel at c.
func (g *Grid) Value(c Coord) float64 {
	return g.Source.Value(c)
}

// ValueAt samples the grid trilinearly at a world-space position.
func (g *Grid) ValueAt(world Vec3) float64 {
	return Trilinear(g.Source.Value, g.Transform.WorldToIndex(world))
}

// Trilinear interpolates the voxel lookup fn at a fractional index position.
func Trilinear(fn func(Coord) float64, p Vec3) float64 {
	c := p.Floor()
	fx := p.X - float64(c.X)
	fy := p.Y - float64(c.Y)
	fz := p.Z - float64(c.Z)

	v000 := fn(c)
	v001 := fn(Coord{c.X, c.Y, c.Z + 1})
	v010 := fn(Coord{c.X, c.Y + 1, c.Z})
	v011 := fn(Coord{c.X, c.Y + 1, c.Z + 1})
	v100 := fn(Coord{c.X + 1, c.Y, c.Z})
	v101 := fn(Coord{c.X + 1, c.Y, c.Z + 1})
	v110 := fn(Coord{c.X + 1, c.Y + 1, c.Z})
	v111 := fn(Coord{c.X + 1, c.Y + 1, c.Z + 1})

	v00 := lerp(v000, v001, fz)
	v01 := lerp(v010, v011, fz)
	v10 := lerp(v100, v101, fz)
	v11 := lerp(v110, v111, fz)
	v0 := lerp(v00, v01, fy)
	v1 := lerp(v10, v11, fy)
	return lerp(v0, v1, fx)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
