package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
	"github.com/LumaPictures/openvdb-render-sub000/core/internal/sizing"
	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
)

// Defaults for New.
const (
	DefaultMemoryLimitBytes int64 = 2 << 30
	DefaultGrowBytes        int64 = 256 << 20
)

var (
	// ErrTooLarge is returned when a single volume exceeds the memory limit.
	ErrTooLarge = errors.New("cache: volume exceeds memory limit")

	// ErrInterrupted is returned when sampling was cancelled.
	ErrInterrupted = errors.New("cache: sampling interrupted")
)

// Volume is a sampled volume served by the cache. Samples aliases the cache
// buffer and stays valid until the next call that mutates the cache.
type Volume struct {
	Header    sampling.Header
	Samples   sampling.Samples
	Extents   sampling.Extents
	Precision sampling.Precision

	// Empty reports a grid with no active voxels. Samples then holds a
	// single zero and Extents is 1x1x1.
	Empty bool
}

// Stats is a snapshot of cache state.
type Stats struct {
	Entries          int
	AllocatedBytes   int64
	MemoryLimitBytes int64
	Head             int64
	Users            int
	Hits             uint64
	Misses           uint64
	Evictions        uint64
}

// Cache is a bounded-memory store of sampled volumes.
//
// All methods are safe for concurrent use. Concurrent misses for the same
// key are coalesced; misses for different keys are sampled one at a time.
type Cache struct {
	mu        sync.Mutex
	ring      *ring
	precision sampling.Precision
	users     int
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	limit      int64
	grow       int64
	filter     sampling.FilterMode
	workers    int
	accessor   grid.Accessor
	logger     *slog.Logger
	progress   ProgressFunc
	registerer prometheus.Registerer
	metrics    *metrics
	group      singleflight.Group
}

// New creates a Cache. No memory is allocated until the first miss.
func New(opts ...Option) *Cache {
	c := &Cache{
		limit:     DefaultMemoryLimitBytes,
		grow:      DefaultGrowBytes,
		precision: sampling.Half,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.accessor == nil {
		c.accessor = grid.NewFileAccessor()
	}
	c.ring = newRing(int(c.limit), int(c.grow))
	c.metrics = newMetrics(c.registerer)
	c.metrics.instrumentState(c.ring)
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Get returns the volume for spec, sampling it on a miss. The boolean is
// false when the volume cannot be produced; the reason is logged.
//
// Concurrent misses for one key share a single fill that runs under the
// first caller's ctx. A caller whose joined fill was interrupted by another
// caller's cancellation retries once under its own ctx.
func (c *Cache) Get(ctx context.Context, spec Spec) (Volume, bool) {
	if vol, ok := c.Lookup(spec); ok {
		return vol, true
	}

	key := spec.Key().flightKey()
	for attempt := 0; ; attempt++ {
		v, err, shared := c.group.Do(key, func() (any, error) {
			return c.fill(ctx, spec)
		})
		if err == nil {
			return v.(Volume), true //nolint:forcetypeassert // fill returns Volume
		}
		if attempt == 0 && shared && errors.Is(err, ErrInterrupted) && ctx.Err() == nil {
			continue
		}
		return Volume{}, false
	}
}

// Lookup returns the resident volume for spec without opening or sampling
// anything.
func (c *Cache) Lookup(spec Spec) (Volume, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(spec)
}

func (c *Cache) lookupLocked(spec Spec) (Volume, bool) {
	e, ok := c.ring.entries[spec.Key()]
	if !ok {
		return Volume{}, false
	}
	stale := spec.SourceUID != "" && e.uid != "" && spec.SourceUID != e.uid
	if stale {
		c.log().Warn("volume cache hit for a different source generation",
			"spec", spec.String(),
			"cached_uid", e.uid,
			"requested_uid", spec.SourceUID)
	}
	c.hits.Add(1)
	c.metrics.instrumentHit(stale)
	return c.volumeOf(spec.Key(), c.ring.view(e.span)), true
}

// volumeOf decodes an entry's bytes. A header-only entry is an empty volume.
func (c *Cache) volumeOf(key Key, data []byte) Volume {
	p := c.precision
	hdr, _ := sampling.DecodeHeader(data, p) //nolint:errcheck // entries always hold a header
	if len(data) == p.HeaderSize() {
		return Volume{
			Header:    hdr,
			Samples:   sampling.NewSamples(make([]byte, p.ElementSize()), p),
			Extents:   sampling.Extents{X: 1, Y: 1, Z: 1},
			Precision: p,
			Empty:     true,
		}
	}
	return Volume{
		Header:    hdr,
		Samples:   sampling.NewSamples(data[p.HeaderSize():], p),
		Extents:   key.Extents,
		Precision: p,
	}
}

// fill opens, reads and samples a missing volume.
func (c *Cache) fill(ctx context.Context, spec Spec) (Volume, error) {
	c.emit(spec, StageOpening)
	f, err := c.accessor.Open(spec.SourceIdentity)
	if err != nil {
		return Volume{}, c.missed(spec, err)
	}
	defer f.Close()

	c.emit(spec, StageReading)
	g, err := f.ReadGrid(spec.GridName)
	if err != nil {
		return Volume{}, c.missed(spec, err)
	}
	uid := f.UID()
	if uid == "" {
		uid = spec.SourceUID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another fill may have committed this key since Get checked.
	if vol, ok := c.lookupLocked(spec); ok {
		return vol, nil
	}
	vol, err := c.sampleLocked(ctx, spec, g, uid)
	if err != nil {
		return Volume{}, c.missed(spec, err)
	}
	return vol, nil
}

func (c *Cache) sampleLocked(ctx context.Context, spec Spec, g *grid.Grid, uid string) (Volume, error) {
	p := c.precision
	key := spec.Key()
	count, ok := spec.Extents.Count()
	if !ok || !spec.Extents.Valid() {
		return Volume{}, fmt.Errorf("%w: %s", sampling.ErrInvalidExtents, spec.Extents)
	}
	n, err := itemSize(count, p)
	if err != nil {
		return Volume{}, err
	}

	prevHead, prevSize := c.ring.head, c.ring.allocated()
	s, evicted, ok := c.ring.allocate(key, n, p.ElementSize())
	if !ok {
		return Volume{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, n, c.ring.limit)
	}
	c.evictedLocked(evicted)

	buf := c.ring.view(s)
	hs := p.HeaderSize()
	rep := newReporter(ctx, c.progress, spec, count)
	hdr, res, err := sampling.SampleGrid(ctx, g, spec.Extents, sampling.NewSamples(buf[hs:], p), sampling.Options{
		Filter:   c.filter,
		Workers:  c.workers,
		Progress: rep.add,
		Logger:   c.logger,
	})
	if err == nil && res != sampling.Success && res != sampling.EmptyVolume {
		err = fmt.Errorf("%w: %s", ErrInterrupted, res)
	}
	if err != nil {
		c.ring.rollback(key, prevHead, prevSize)
		c.metrics.instrumentState(c.ring)
		return Volume{}, err
	}

	if err := hdr.Encode(buf[:hs], p); err != nil {
		c.ring.rollback(key, prevHead, prevSize)
		return Volume{}, err
	}
	if res == sampling.EmptyVolume {
		buf = buf[:hs]
	}

	if c.ring.limit == 0 {
		// Caching is off: hand the bytes to the caller and keep nothing.
		vol := c.volumeOf(key, buf)
		c.ring.release()
		c.metrics.instrumentState(c.ring)
		return vol, nil
	}

	if res == sampling.EmptyVolume {
		s = c.ring.truncate(key, hs)
	}
	e := c.ring.entries[key]
	e.uid = uid
	c.ring.entries[key] = e
	c.metrics.instrumentState(c.ring)

	c.log().Debug("volume cached",
		"spec", spec.String(),
		"bytes", s.len(),
		"empty", res == sampling.EmptyVolume,
		"evicted", len(evicted))
	return c.volumeOf(key, c.ring.view(s)), nil
}

// itemSize returns the header plus sample bytes for count samples.
func itemSize(count uint64, p sampling.Precision) (int, error) {
	payload, ok := sizing.MulUint64(count, uint64(p.ElementSize())) //nolint:gosec // element size is 2 or 4
	if ok {
		payload, ok = sizing.AddUint64(payload, uint64(p.HeaderSize())) //nolint:gosec // header size is small
	}
	if !ok {
		return 0, fmt.Errorf("%w: size overflows", ErrTooLarge)
	}
	return sizing.ToInt(payload, fmt.Errorf("%w: size overflows", ErrTooLarge))
}

// missed logs and counts a failed request and returns err.
func (c *Cache) missed(spec Spec, err error) error {
	reason := missReason(err)
	c.misses.Add(1)
	c.metrics.instrumentMiss(reason)
	c.log().Debug("volume cache miss", "spec", spec.String(), "reason", reason, "error", err)
	return err
}

func missReason(err error) string {
	switch {
	case errors.Is(err, grid.ErrUnavailable),
		errors.Is(err, grid.ErrNotFound),
		errors.Is(err, grid.ErrUnsupportedType),
		errors.Is(err, grid.ErrInvalidFile):
		return reasonUnavailable
	case errors.Is(err, ErrTooLarge):
		return reasonTooLarge
	case errors.Is(err, ErrInterrupted):
		return reasonInterrupted
	default:
		return reasonFailed
	}
}

func (c *Cache) emit(spec Spec, stage ProgressStage) {
	if c.progress != nil {
		c.progress(ProgressEvent{Stage: stage, Spec: spec})
	}
}

func (c *Cache) evictedLocked(keys []Key) {
	if len(keys) == 0 {
		return
	}
	c.evictions.Add(uint64(len(keys)))
	c.metrics.instrumentEvictions(len(keys))
	for _, k := range keys {
		c.log().Debug("volume evicted", "key", k.String())
	}
}

// SetMemoryLimitBytes changes the memory limit. Lowering it below the
// current buffer size evicts every entry past the new limit and shrinks the
// buffer. Zero disables caching. Raising it does not grow the buffer.
func (c *Cache) SetMemoryLimitBytes(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n = max(n, 0)
	c.limit = n
	c.evictedLocked(c.ring.setLimit(int(n)))
	c.metrics.instrumentState(c.ring)
	c.log().Info("volume cache limit changed", "limit_bytes", n)
}

// MemoryLimitBytes returns the memory limit.
func (c *Cache) MemoryLimitBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// AllocatedBytes returns the size of the cache buffer.
func (c *Cache) AllocatedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(c.ring.allocated())
}

// SetVoxelPrecision changes the storage precision. Changing it empties the
// cache, since entry layouts differ between precisions.
func (c *Cache) SetVoxelPrecision(p sampling.Precision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p == c.precision {
		return
	}
	c.precision = p
	c.clearLocked()
	c.log().Info("volume cache precision changed", "precision", p.String())
}

// VoxelPrecision returns the storage precision.
func (c *Cache) VoxelPrecision() sampling.Precision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.precision
}

// RegisterUsage records a consumer of the cache.
func (c *Cache) RegisterUsage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users++
}

// UnregisterUsage removes a consumer. The cache is emptied when the last
// consumer unregisters.
func (c *Cache) UnregisterUsage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.users > 0 {
		c.users--
	}
	if c.users == 0 {
		c.clearLocked()
	}
}

// Clear drops every entry and releases the buffer.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cache) clearLocked() {
	c.ring.reset()
	c.metrics.instrumentState(c.ring)
}

// Invalidate drops every entry sampled from identity and returns how many
// were dropped. The buffer space is reclaimed by later allocations.
func (c *Cache) Invalidate(identity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.ring.keysOf(identity)
	for _, k := range keys {
		c.ring.remove(k)
	}
	if len(keys) > 0 {
		c.metrics.instrumentState(c.ring)
		c.log().Debug("volume cache invalidated", "source", identity, "entries", len(keys))
	}
	return len(keys)
}

// Stats returns a snapshot of cache state.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:          len(c.ring.entries),
		AllocatedBytes:   int64(c.ring.allocated()),
		MemoryLimitBytes: c.limit,
		Head:             int64(c.ring.head),
		Users:            c.users,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		Evictions:        c.evictions.Load(),
	}
}
