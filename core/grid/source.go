package grid

// Kind identifies the value type stored by a grid.
type Kind uint8

// Grid value kinds. Only KindScalar and KindVector can be sampled.
const (
	KindUnknown Kind = iota
	KindScalar
	KindVector
	KindInt32
	KindMask
)

// String returns the file-format name of the kind.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "float"
	case KindVector:
		return "vec3f"
	case KindInt32:
		return "int32"
	case KindMask:
		return "mask"
	default:
		return "unknown"
	}
}

// Sampleable reports whether grids of this kind can be read as scalar fields.
func (k Kind) Sampleable() bool {
	return k == KindScalar || k == KindVector
}

// Source is the scalar field view of a grid's voxels. It is a closed union
// chosen once when the grid is read: either a scalar tree, or a vector tree
// whose value is the mean of its three components.
type Source struct {
	kind   Kind
	scalar *Tree[float32]
	vector *Tree[[3]float32]
}

// ScalarSource returns a Source over a scalar tree.
func ScalarSource(t *Tree[float32]) Source {
	return Source{kind: KindScalar, scalar: t}
}

// VectorAveragedSource returns a Source over a vector tree. Each voxel reads
// as (x+y+z)/3.
func VectorAveragedSource(t *Tree[[3]float32]) Source {
	return Source{kind: KindVector, vector: t}
}

// Kind returns the underlying value kind.
func (s Source) Kind() Kind {
	return s.kind
}

// Scalar returns the scalar tree, or nil for vector sources.
func (s Source) Scalar() *Tree[float32] {
	return s.scalar
}

// Vector returns the vector tree, or nil for scalar sources.
func (s Source) Vector() *Tree[[3]float32] {
	return s.vector
}

func average(v [3]float32) float64 {
	return (float64(v[0]) + float64(v[1]) + float64(v[2])) / 3
}

// Value returns the scalar value at c. Inactive voxels read as the background.
func (s Source) Value(c Coord) float64 {
	switch s.kind {
	case KindScalar:
		v, _ := s.scalar.Get(c)
		return float64(v)
	case KindVector:
		v, _ := s.vector.Get(c)
		return average(v)
	default:
		return 0
	}
}

// Background returns the scalar value of inactive voxels.
func (s Source) Background() float64 {
	switch s.kind {
	case KindScalar:
		return float64(s.scalar.Background())
	case KindVector:
		return average(s.vector.Background())
	default:
		return 0
	}
}

// ForEachActive calls fn with the scalar value of every active voxel.
func (s Source) ForEachActive(fn func(c Coord, v float64)) {
	switch s.kind {
	case KindScalar:
		s.scalar.ForEachActive(func(c Coord, v float32) { fn(c, float64(v)) })
	case KindVector:
		s.vector.ForEachActive(func(c Coord, v [3]float32) { fn(c, average(v)) })
	}
}

// ActiveBounds returns the bounding box of the active voxels.
func (s Source) ActiveBounds() CoordBBox {
	switch s.kind {
	case KindScalar:
		return s.scalar.ActiveBounds()
	case KindVector:
		return s.vector.ActiveBounds()
	default:
		return EmptyBBox()
	}
}

// ActiveVoxelCount returns the number of active voxels.
func (s Source) ActiveVoxelCount() int {
	switch s.kind {
	case KindScalar:
		return s.scalar.ActiveVoxelCount()
	case KindVector:
		return s.vector.ActiveVoxelCount()
	default:
		return 0
	}
}
