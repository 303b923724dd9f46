package sampling

import (
	"context"
	"math"

	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
)

// pyramid is a coarse-to-fine stack of box-filtered copies of a source
// field. Level 0 is the source itself; each level halves the resolution of
// the one below it. Voxel j of level l covers fine voxels [j·2^l, (j+1)·2^l).
type pyramid struct {
	base   grid.Source
	levels []*grid.Tree[float32] // levels[i] is level i+1
}

// buildPyramid restricts src up to and including level top. Inactive
// children contribute the background value, so sparse edges fade toward
// the background as levels coarsen.
func buildPyramid(ctx context.Context, src grid.Source, top int) (*pyramid, error) {
	p := &pyramid{base: src}
	bg := src.Background()
	var prev func(grid.Coord) float64 = src.Value
	forEachPrev := src.ForEachActive

	for range top {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parents := make(map[grid.Coord]struct{})
		forEachPrev(func(c grid.Coord, _ float64) {
			parents[grid.Coord{X: c.X >> 1, Y: c.Y >> 1, Z: c.Z >> 1}] = struct{}{}
		})
		level := grid.NewTree(float32(bg))
		for pc := range parents {
			base := grid.Coord{X: pc.X << 1, Y: pc.Y << 1, Z: pc.Z << 1}
			var sum float64
			for i := range 8 {
				sum += prev(base.Add(grid.Coord{X: i >> 2, Y: (i >> 1) & 1, Z: i & 1}))
			}
			level.Set(pc, float32(sum/8))
		}
		p.levels = append(p.levels, level)

		lookup := level
		prev = func(c grid.Coord) float64 {
			v, _ := lookup.Get(c)
			return float64(v)
		}
		forEachPrev = func(fn func(grid.Coord, float64)) {
			lookup.ForEachActive(func(c grid.Coord, v float32) { fn(c, float64(v)) })
		}
	}
	return p, nil
}

// numLevels returns the number of levels including the source.
func (p *pyramid) numLevels() int {
	return len(p.levels) + 1
}

// sample interpolates level l trilinearly at a level-0 index position.
func (p *pyramid) sample(level int, pos grid.Vec3) float64 {
	if level <= 0 {
		return grid.Trilinear(p.base.Value, pos)
	}
	t := p.levels[level-1]
	scale := math.Ldexp(1, level)
	shift := (scale - 1) / 2
	q := grid.Vec3{X: (pos.X - shift) / scale, Y: (pos.Y - shift) / scale, Z: (pos.Z - shift) / scale}
	return grid.Trilinear(func(c grid.Coord) float64 {
		v, _ := t.Get(c)
		return float64(v)
	}, q)
}

// multiresLevel picks the single level used for a lattice: floor of the
// LOD, clamped to the available levels.
func multiresLevel(lod float64, maxLevel int) int {
	if lod <= 0 || math.IsNaN(lod) {
		return 0
	}
	return min(int(math.Floor(lod)), maxLevel)
}
