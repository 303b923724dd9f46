package grid

import (
	"math/bits"
	"slices"
)

// Leaf node dimensions, matching the NanoVDB/OpenVDB leaf layout.
const (
	LeafLog2Dim = 3
	LeafDim     = 1 << LeafLog2Dim
	LeafVoxels  = LeafDim * LeafDim * LeafDim

	leafMask  = LeafDim - 1
	maskWords = LeafVoxels / 64
)

// Value is the set of voxel value types a Tree can hold.
type Value interface {
	float32 | [3]float32
}

type leaf[T Value] struct {
	values [LeafVoxels]T
	mask   [maskWords]uint64
}

func (l *leaf[T]) active(i int) bool {
	return l.mask[i>>6]&(1<<(uint(i)&63)) != 0
}

func (l *leaf[T]) count() int {
	n := 0
	for _, w := range l.mask {
		n += bits.OnesCount64(w)
	}
	return n
}

// Tree is a sparse voxel tree storing values in 8³ leaves. Voxels that were
// never set are inactive and read as the background value.
//
// A Tree is safe for concurrent reads; writes must not overlap reads.
type Tree[T Value] struct {
	background T
	leaves     map[Coord]*leaf[T]
}

// NewTree returns an empty tree with the given background value.
func NewTree[T Value](background T) *Tree[T] {
	return &Tree[T]{background: background, leaves: make(map[Coord]*leaf[T])}
}

func leafOrigin(c Coord) Coord {
	return Coord{c.X &^ leafMask, c.Y &^ leafMask, c.Z &^ leafMask}
}

func leafOffset(c Coord) int {
	return (c.X&leafMask)<<(2*LeafLog2Dim) | (c.Y&leafMask)<<LeafLog2Dim | c.Z&leafMask
}

func offsetCoord(origin Coord, i int) Coord {
	return Coord{
		origin.X + i>>(2*LeafLog2Dim),
		origin.Y + (i>>LeafLog2Dim)&leafMask,
		origin.Z + i&leafMask,
	}
}

// Background returns the value of inactive voxels.
func (t *Tree[T]) Background() T {
	return t.background
}

// Set stores v at c and marks the voxel active.
func (t *Tree[T]) Set(c Coord, v T) {
	o := leafOrigin(c)
	l, ok := t.leaves[o]
	if !ok {
		l = &leaf[T]{}
		for i := range l.values {
			l.values[i] = t.background
		}
		t.leaves[o] = l
	}
	i := leafOffset(c)
	l.values[i] = v
	l.mask[i>>6] |= 1 << (uint(i) & 63)
}

// Get returns the value at c and whether the voxel is active.
func (t *Tree[T]) Get(c Coord) (T, bool) {
	l, ok := t.leaves[leafOrigin(c)]
	if !ok {
		return t.background, false
	}
	i := leafOffset(c)
	if !l.active(i) {
		return t.background, false
	}
	return l.values[i], true
}

// ActiveVoxelCount returns the number of active voxels.
func (t *Tree[T]) ActiveVoxelCount() int {
	n := 0
	for _, l := range t.leaves {
		n += l.count()
	}
	return n
}

// LeafCount returns the number of allocated leaves.
func (t *Tree[T]) LeafCount() int {
	return len(t.leaves)
}

// ForEachActive calls fn for every active voxel. Leaves are visited in
// ascending origin order so iteration is deterministic.
func (t *Tree[T]) ForEachActive(fn func(c Coord, v T)) {
	for _, o := range t.leafOrigins() {
		l := t.leaves[o]
		for w, word := range l.mask {
			for word != 0 {
				b := bits.TrailingZeros64(word)
				word &^= 1 << uint(b)
				i := w*64 + b
				fn(offsetCoord(o, i), l.values[i])
			}
		}
	}
}

// ActiveBounds returns the bounding box of all active voxels, or an empty
// box if there are none.
func (t *Tree[T]) ActiveBounds() CoordBBox {
	b := EmptyBBox()
	t.ForEachActive(func(c Coord, _ T) {
		b.Expand(c)
	})
	return b
}

func (t *Tree[T]) leafOrigins() []Coord {
	origins := make([]Coord, 0, len(t.leaves))
	for o := range t.leaves {
		origins = append(origins, o)
	}
	slices.SortFunc(origins, func(a, b Coord) int {
		if a.X != b.X {
			return a.X - b.X
		}
		if a.Y != b.Y {
			return a.Y - b.Y
		}
		return a.Z - b.Z
	})
	return origins
}
