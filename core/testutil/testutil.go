// Package testutil provides synthetic grids and in-memory collaborators for tests.
package testutil

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
)

// Box returns the index box [0,0,0]..[x-1,y-1,z-1].
func Box(x, y, z int) grid.CoordBBox {
	return grid.CoordBBox{Max: grid.Coord{X: x - 1, Y: y - 1, Z: z - 1}}
}

// LinearGrid returns a scalar grid whose active voxels cover bounds with
// value offset + coef·index. Trilinear interpolation reproduces such a
// field exactly, which makes it useful for checking resampling.
func LinearGrid(name string, bounds grid.CoordBBox, coef grid.Vec3, offset, voxelSize float64) *grid.Grid {
	t := grid.NewTree[float32](0)
	forEach(bounds, func(c grid.Coord) {
		v := offset + coef.X*float64(c.X) + coef.Y*float64(c.Y) + coef.Z*float64(c.Z)
		t.Set(c, float32(v))
	})
	return grid.NewScalarGrid(name, grid.NewTransform(voxelSize), t)
}

// ConstantGrid returns a scalar grid with every voxel in bounds set to v.
func ConstantGrid(name string, bounds grid.CoordBBox, v float32) *grid.Grid {
	t := grid.NewTree[float32](0)
	forEach(bounds, func(c grid.Coord) { t.Set(c, v) })
	return grid.NewScalarGrid(name, grid.NewTransform(1), t)
}

// SphereGrid returns a fog-volume sphere of the given voxel radius centered
// at the origin. Density falls off linearly from 1 at the center to 0 at
// the surface.
func SphereGrid(name string, radius int, voxelSize float64) *grid.Grid {
	t := grid.NewTree[float32](0)
	r := float64(radius)
	bounds := grid.CoordBBox{
		Min: grid.Coord{X: -radius, Y: -radius, Z: -radius},
		Max: grid.Coord{X: radius, Y: radius, Z: radius},
	}
	forEach(bounds, func(c grid.Coord) {
		d := math.Sqrt(float64(c.X*c.X + c.Y*c.Y + c.Z*c.Z))
		if d < r {
			t.Set(c, float32(1-d/r))
		}
	})
	return grid.NewScalarGrid(name, grid.NewTransform(voxelSize), t)
}

// VectorGrid returns a vector grid over bounds with value (a, b, c) at every voxel.
func VectorGrid(name string, bounds grid.CoordBBox, v [3]float32) *grid.Grid {
	t := grid.NewTree([3]float32{})
	forEach(bounds, func(c grid.Coord) { t.Set(c, v) })
	return grid.NewVectorGrid(name, grid.NewTransform(1), t)
}

// EmptyGrid returns a scalar grid with no active voxels.
func EmptyGrid(name string) *grid.Grid {
	return grid.NewScalarGrid(name, grid.NewTransform(1), grid.NewTree[float32](0))
}

func forEach(b grid.CoordBBox, fn func(grid.Coord)) {
	for x := b.Min.X; x <= b.Max.X; x++ {
		for y := b.Min.Y; y <= b.Max.Y; y++ {
			for z := b.Min.Z; z <= b.Max.Z; z++ {
				fn(grid.Coord{X: x, Y: y, Z: z})
			}
		}
	}
}

// MemoryAccessor implements grid.Accessor over in-memory grids.
// It is safe for concurrent use and counts Open calls.
type MemoryAccessor struct {
	mu      sync.RWMutex
	files   map[string]*memoryFile
	opens   atomic.Int64
	reads   atomic.Int64
	invalid map[string]grid.Kind
}

// NewMemoryAccessor returns an empty accessor.
func NewMemoryAccessor() *MemoryAccessor {
	return &MemoryAccessor{
		files:   make(map[string]*memoryFile),
		invalid: make(map[string]grid.Kind),
	}
}

// Add registers grids under identity with the given uid, replacing any
// previous file with that identity.
func (a *MemoryAccessor) Add(identity, uid string, grids ...*grid.Grid) {
	f := &memoryFile{uid: uid, grids: make(map[string]*grid.Grid, len(grids)), parent: a}
	for _, g := range grids {
		f.names = append(f.names, g.Name)
		f.grids[g.Name] = g
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[identity] = f
}

// AddUnsupported registers a grid name under identity that reports kind
// on read, which must not be sampleable.
func (a *MemoryAccessor) AddUnsupported(identity, name string, kind grid.Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalid[identity+"\x00"+name] = kind
	if _, ok := a.files[identity]; !ok {
		a.files[identity] = &memoryFile{grids: map[string]*grid.Grid{}, parent: a}
	}
}

// Remove forgets identity.
func (a *MemoryAccessor) Remove(identity string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.files, identity)
}

// Opens returns how many times Open has been called.
func (a *MemoryAccessor) Opens() int64 {
	return a.opens.Load()
}

// Reads returns how many grids have been read.
func (a *MemoryAccessor) Reads() int64 {
	return a.reads.Load()
}

// Open implements grid.Accessor.
func (a *MemoryAccessor) Open(identity string) (grid.File, error) {
	a.opens.Add(1)
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.files[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", grid.ErrUnavailable, identity)
	}
	return &memoryHandle{memoryFile: f, identity: identity}, nil
}

type memoryFile struct {
	uid    string
	names  []string
	grids  map[string]*grid.Grid
	parent *MemoryAccessor
}

type memoryHandle struct {
	*memoryFile
	identity string
}

func (f *memoryHandle) UID() string         { return f.uid }
func (f *memoryHandle) GridNames() []string { return append([]string(nil), f.names...) }
func (f *memoryHandle) Close() error        { return nil }

func (f *memoryHandle) ReadGrid(name string) (*grid.Grid, error) {
	f.parent.reads.Add(1)
	f.parent.mu.RLock()
	kind, bad := f.parent.invalid[f.identity+"\x00"+name]
	f.parent.mu.RUnlock()
	if bad {
		return nil, fmt.Errorf("grid: %q is %s: %w", name, kind, grid.ErrUnsupportedType)
	}
	g, ok := f.grids[name]
	if !ok {
		return nil, fmt.Errorf("grid: %q: %w", name, grid.ErrNotFound)
	}
	return g, nil
}
