package grid

import "math"

// Coord is an integer index-space voxel coordinate.
type Coord struct {
	X, Y, Z int
}

// Vec returns c as a floating-point vector.
func (c Coord) Vec() Vec3 {
	return Vec3{float64(c.X), float64(c.Y), float64(c.Z)}
}

// Add returns c+o.
func (c Coord) Add(o Coord) Coord {
	return Coord{c.X + o.X, c.Y + o.Y, c.Z + o.Z}
}

// CoordBBox is an inclusive index-space bounding box.
// A box with any Min component greater than the matching Max component is empty.
type CoordBBox struct {
	Min, Max Coord
}

// EmptyBBox returns a box that contains nothing and grows with Expand.
func EmptyBBox() CoordBBox {
	return CoordBBox{
		Min: Coord{math.MaxInt32, math.MaxInt32, math.MaxInt32},
		Max: Coord{math.MinInt32, math.MinInt32, math.MinInt32},
	}
}

// Empty reports whether b contains no voxels.
func (b CoordBBox) Empty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Extents returns the number of voxels along each axis (max-min+1).
func (b CoordBBox) Extents() Coord {
	if b.Empty() {
		return Coord{}
	}
	return Coord{b.Max.X - b.Min.X + 1, b.Max.Y - b.Min.Y + 1, b.Max.Z - b.Min.Z + 1}
}

// Volume returns the number of voxels in b.
func (b CoordBBox) Volume() int {
	e := b.Extents()
	return e.X * e.Y * e.Z
}

// Expand grows b to include c.
func (b *CoordBBox) Expand(c Coord) {
	b.Min.X = min(b.Min.X, c.X)
	b.Min.Y = min(b.Min.Y, c.Y)
	b.Min.Z = min(b.Min.Z, c.Z)
	b.Max.X = max(b.Max.X, c.X)
	b.Max.Y = max(b.Max.Y, c.Y)
	b.Max.Z = max(b.Max.Z, c.Z)
}

// Contains reports whether c lies inside b.
func (b CoordBBox) Contains(c Coord) bool {
	return c.X >= b.Min.X && c.X <= b.Max.X &&
		c.Y >= b.Min.Y && c.Y <= b.Max.Y &&
		c.Z >= b.Min.Z && c.Z <= b.Max.Z
}

// Vec3 is a double-precision 3-vector.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Mul(o Vec3) Vec3 { return Vec3{v.X * o.X, v.Y * o.Y, v.Z * o.Z} }
func (v Vec3) Div(o Vec3) Vec3 { return Vec3{v.X / o.X, v.Y / o.Y, v.Z / o.Z} }

// Scale returns v*s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// MaxComponent returns the largest of X, Y and Z.
func (v Vec3) MaxComponent() float64 {
	return max(v.X, v.Y, v.Z)
}

// Floor returns the componentwise floor of v as a Coord.
func (v Vec3) Floor() Coord {
	return Coord{int(math.Floor(v.X)), int(math.Floor(v.Y)), int(math.Floor(v.Z))}
}

// BBox is a world-space axis-aligned box.
type BBox struct {
	Min, Max Vec3
}

// Extents returns Max-Min.
func (b BBox) Extents() Vec3 {
	return b.Max.Sub(b.Min)
}
