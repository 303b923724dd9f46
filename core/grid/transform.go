package grid

// Transform maps index space to world space with a per-axis scale and a
// translation. Index (0,0,0) maps to Origin.
type Transform struct {
	VoxelSize Vec3
	Origin    Vec3
}

// NewTransform returns a uniform-scale transform with the given voxel size.
func NewTransform(voxelSize float64) Transform {
	return Transform{VoxelSize: Vec3{voxelSize, voxelSize, voxelSize}}
}

// IndexToWorld maps an index-space position to world space.
func (t Transform) IndexToWorld(p Vec3) Vec3 {
	return t.Origin.Add(p.Mul(t.VoxelSize))
}

// WorldToIndex maps a world-space position to (fractional) index space.
func (t Transform) WorldToIndex(p Vec3) Vec3 {
	return p.Sub(t.Origin).Div(t.VoxelSize)
}

// IndexBBoxToWorld maps the voxel centers at b.Min and b.Max to a world box.
func (t Transform) IndexBBoxToWorld(b CoordBBox) BBox {
	p0 := t.IndexToWorld(b.Min.Vec())
	p1 := t.IndexToWorld(b.Max.Vec())
	return BBox{
		Min: Vec3{min(p0.X, p1.X), min(p0.Y, p1.Y), min(p0.Z, p1.Z)},
		Max: Vec3{max(p0.X, p1.X), max(p0.Y, p1.Y), max(p0.Z, p1.Z)},
	}
}

// Valid reports whether every voxel size component is non-zero.
func (t Transform) Valid() bool {
	return t.VoxelSize.X != 0 && t.VoxelSize.Y != 0 && t.VoxelSize.Z != 0
}
