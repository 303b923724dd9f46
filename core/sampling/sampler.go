// Package sampling resamples sparse grids onto dense regular lattices.
//
// SampleGrid evaluates a grid at the cell centers of a lattice spanning the
// grid's world-space bounds, writes the samples normalized to [0,1] into a
// caller-provided buffer, and returns a Header holding the raw value range
// and the world-space placement of the volume. Sampling is parallel over the
// lattice's z axis and can be cancelled cooperatively.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
)

var (
	// ErrInvalidExtents is returned when a lattice component is below 1 or
	// the output buffer cannot hold the lattice.
	ErrInvalidExtents = errors.New("sampling: invalid extents")

	// ErrUnknownFilterMode is returned for filter modes outside the known set.
	ErrUnknownFilterMode = errors.New("sampling: unknown filter mode")
)

// Result is the outcome of a sampling call.
type Result uint8

const (
	// Success means every sample was written and normalized.
	Success Result = iota

	// EmptyVolume means the grid has no defined region. The header holds a
	// zero value range; the sample buffer is untouched.
	EmptyVolume

	// Interrupted means sampling was cancelled before completion. The
	// sample buffer holds partial data.
	Interrupted

	// UnknownFilterMode means the requested filter mode is not supported.
	UnknownFilterMode
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case EmptyVolume:
		return "empty volume"
	case Interrupted:
		return "interrupted"
	case UnknownFilterMode:
		return "unknown filter mode"
	default:
		return "unknown"
	}
}

// ProgressFunc is called after each completed z-plane of a worker's
// partition with the number of samples just produced. Returning false
// requests cancellation. Implementations must be safe for concurrent calls.
type ProgressFunc func(samples int) bool

// Options configures SampleGrid.
type Options struct {
	// Filter selects the filter. The zero value is FilterAuto.
	Filter FilterMode

	// Workers bounds parallelism. Zero uses GOMAXPROCS.
	Workers int

	// Progress, if set, receives per-plane progress and may cancel.
	Progress ProgressFunc

	// Logger receives debug output. If nil, logging is disabled.
	Logger *slog.Logger
}

func (o *Options) log() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

func (o *Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// SampleGrid samples g on a lattice of the given extents into out.
//
// out must hold at least extents.X*extents.Y*extents.Z elements; sample
// (x,y,z) is stored at x + y·X + z·X·Y. The returned error is non-nil only
// for invalid arguments, in which case nothing was sampled. Cancellation
// through ctx or opts.Progress is reported as Interrupted with a nil error.
func SampleGrid(ctx context.Context, g *grid.Grid, extents Extents, out Samples, opts Options) (Header, Result, error) {
	if !extents.Valid() {
		return Header{}, Interrupted, fmt.Errorf("%w: %s", ErrInvalidExtents, extents)
	}
	count, ok := extents.Count()
	if !ok || count > uint64(out.Len()) { //nolint:gosec // Len is non-negative
		return Header{}, Interrupted, fmt.Errorf("%w: %s needs %d samples, buffer holds %d", ErrInvalidExtents, extents, count, out.Len())
	}

	bounds := g.IndexBounds()
	if bounds.Empty() {
		origin := g.Transform.IndexToWorld(grid.Vec3{})
		return Header{WorldOrigin: origin}, EmptyVolume, nil
	}
	world := g.Transform.IndexBBoxToWorld(bounds)
	header := Header{WorldSize: world.Extents(), WorldOrigin: world.Min}

	mode := opts.Filter
	lod := LOD(bounds, extents)
	if mode == FilterAuto {
		mode = ChooseFilter(bounds, extents)
	}

	var sample func(grid.Vec3) float64
	switch mode {
	case FilterBox:
		sample = g.ValueAt
	case FilterMultires:
		top := multiresLevel(lod, maxPyramidLevel(bounds))
		p, err := buildPyramid(ctx, g.Source, top)
		if err != nil {
			return header, Interrupted, nil
		}
		level := min(top, p.numLevels()-1)
		xf := g.Transform
		sample = func(w grid.Vec3) float64 {
			return p.sample(level, xf.WorldToIndex(w))
		}
	default:
		return header, UnknownFilterMode, fmt.Errorf("%w: %s", ErrUnknownFilterMode, mode)
	}

	opts.log().Debug("sampling grid",
		"grid", g.Name,
		"extents", extents.String(),
		"filter", mode.String(),
		"lod", lod)

	l := &lattice{
		extents: extents,
		min:     world.Min,
		size:    world.Extents(),
		sample:  sample,
		out:     out,
	}
	if out.Precision() != Float {
		l.raw = make([]float32, count)
	}

	vr, ok := l.run(ctx, opts.workers(), opts.Progress)
	if !ok {
		return header, Interrupted, nil
	}
	header.ValueRange = vr
	if err := l.normalize(ctx, opts.workers(), vr); err != nil {
		return header, Interrupted, nil
	}
	return header, Success, nil
}

// maxPyramidLevel returns the level at which the source collapses to a
// single voxel along its longest axis.
func maxPyramidLevel(bounds grid.CoordBBox) int {
	e := bounds.Extents()
	return int(math.Ceil(math.Log2(float64(max(e.X, e.Y, e.Z)))))
}

// valueRange tracks a running minimum and maximum.
type valueRange struct {
	min, max float64
}

func emptyRange() valueRange {
	return valueRange{min: math.Inf(1), max: math.Inf(-1)}
}

func (r *valueRange) add(v float64) {
	r.min = min(r.min, v)
	r.max = max(r.max, v)
}

func (r valueRange) empty() bool {
	return r.min > r.max
}

// lattice holds the state of one sampling pass.
type lattice struct {
	extents Extents
	min     grid.Vec3
	size    grid.Vec3
	sample  func(grid.Vec3) float64

	out Samples
	raw []float32 // staging for raw values when out is narrower than float32
}

func (l *lattice) store(i int, v float32) {
	if l.raw != nil {
		l.raw[i] = v
		return
	}
	l.out.Set(i, float64(v))
}

func (l *lattice) load(i int) float64 {
	if l.raw != nil {
		return float64(l.raw[i])
	}
	return l.out.At(i)
}

// position maps a lattice cell to the world position of its center.
func (l *lattice) position(x, y, z int) grid.Vec3 {
	return grid.Vec3{
		X: l.min.X + (float64(x)+0.5)/float64(l.extents.X)*l.size.X,
		Y: l.min.Y + (float64(y)+0.5)/float64(l.extents.Y)*l.size.Y,
		Z: l.min.Z + (float64(z)+0.5)/float64(l.extents.Z)*l.size.Z,
	}
}

// partition splits [0,n) into at most parts contiguous spans.
func partition(n, parts int) [][2]int {
	parts = max(1, min(parts, n))
	spans := make([][2]int, 0, parts)
	step, rem := n/parts, n%parts
	begin := 0
	for i := range parts {
		end := begin + step
		if i < rem {
			end++
		}
		spans = append(spans, [2]int{begin, end})
		begin = end
	}
	return spans
}

// run samples every lattice cell. It returns the merged value range and
// false if sampling was cancelled.
func (l *lattice) run(ctx context.Context, workers int, progress ProgressFunc) ([2]float64, bool) {
	var stop atomic.Bool
	spans := partition(l.extents.Z, workers)
	ranges := make([]valueRange, len(spans))
	plane := l.extents.X * l.extents.Y

	var g errgroup.Group
	for w, span := range spans {
		g.Go(func() error {
			r := emptyRange()
			defer func() { ranges[w] = r }()
			for z := span[0]; z < span[1]; z++ {
				for y := range l.extents.Y {
					if stop.Load() {
						return nil
					}
					if ctx.Err() != nil {
						stop.Store(true)
						return nil
					}
					row := z*plane + y*l.extents.X
					for x := range l.extents.X {
						v := float32(l.sample(l.position(x, y, z)))
						l.store(row+x, v)
						r.add(float64(v))
					}
				}
				if progress != nil && !progress(plane) {
					stop.Store(true)
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors
	if stop.Load() {
		return [2]float64{}, false
	}

	merged := emptyRange()
	for _, r := range ranges {
		if !r.empty() {
			merged.add(r.min)
			merged.add(r.max)
		}
	}
	return [2]float64{merged.min, merged.max}, true
}

// normalize remaps every sample to [0,1] over vr. A zero-width range
// writes zeros.
func (l *lattice) normalize(ctx context.Context, workers int, vr [2]float64) error {
	n := l.extents.X * l.extents.Y * l.extents.Z
	width := vr[1] - vr[0]
	g, ctx := errgroup.WithContext(ctx)
	for _, span := range partition(n, workers) {
		g.Go(func() error {
			for i := span[0]; i < span[1]; i++ {
				if i&0xFFFF == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				if width == 0 {
					l.out.Set(i, 0)
					continue
				}
				l.out.Set(i, (l.load(i)-vr[0])/width)
			}
			return nil
		})
	}
	return g.Wait()
}
