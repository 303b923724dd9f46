package cache

import (
	"context"
	"sync/atomic"
)

// ProgressStage identifies the current phase of a cache fill.
type ProgressStage uint8

// Progress stages of a cache miss.
const (
	// StageOpening indicates the source file is being opened.
	StageOpening ProgressStage = iota

	// StageReading indicates the grid is being read from the file.
	StageReading

	// StageSampling indicates the grid is being sampled into the cache.
	StageSampling
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageOpening:
		return "opening"
	case StageReading:
		return "reading"
	case StageSampling:
		return "sampling"
	default:
		return "unknown"
	}
}

// ProgressEvent represents a progress update while a missing volume is filled.
type ProgressEvent struct {
	// Stage identifies the current phase.
	Stage ProgressStage

	// Spec is the volume being filled.
	Spec Spec

	// SamplesDone is the number of lattice samples written so far.
	SamplesDone uint64

	// SamplesTotal is the number of samples in the lattice.
	// Zero outside StageSampling.
	SamplesTotal uint64

	// Percent is SamplesDone as a whole percentage of SamplesTotal.
	Percent int
}

// ProgressFunc receives progress updates during cache fills.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent)

// reporter adapts a ProgressFunc to the sampler's per-plane callback. It
// emits an event only when the integer percentage advances, and requests
// cancellation once ctx is done.
type reporter struct {
	ctx     context.Context
	fn      ProgressFunc
	spec    Spec
	total   uint64
	done    atomic.Uint64
	percent atomic.Int64
}

func newReporter(ctx context.Context, fn ProgressFunc, spec Spec, total uint64) *reporter {
	r := &reporter{ctx: ctx, fn: fn, spec: spec, total: total}
	r.percent.Store(-1)
	return r
}

func (r *reporter) add(samples int) bool {
	done := r.done.Add(uint64(samples)) //nolint:gosec // sample counts are non-negative
	if r.fn != nil && r.total > 0 {
		p := int64(done * 100 / r.total) //nolint:gosec // at most 100
		for {
			old := r.percent.Load()
			if p <= old {
				break
			}
			if r.percent.CompareAndSwap(old, p) {
				r.fn(ProgressEvent{
					Stage:        StageSampling,
					Spec:         r.spec,
					SamplesDone:  done,
					SamplesTotal: r.total,
					Percent:      int(p),
				})
				break
			}
		}
	}
	return r.ctx.Err() == nil
}
