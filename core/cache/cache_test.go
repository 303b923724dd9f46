package cache_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumaPictures/openvdb-render-sub000/core/cache"
	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
	"github.com/LumaPictures/openvdb-render-sub000/core/testutil"
)

const fileA = "/data/a.vxg"

func cube(n int) sampling.Extents {
	return sampling.Extents{X: n, Y: n, Z: n}
}

func newAccessor() *testutil.MemoryAccessor {
	acc := testutil.NewMemoryAccessor()
	acc.Add(fileA, "uid-1",
		testutil.SphereGrid("density", 6, 0.1),
		testutil.LinearGrid("ramp", testutil.Box(8, 8, 8), grid.Vec3{X: 1, Y: 1, Z: 1}, 0, 1),
		testutil.EmptyGrid("empty"),
	)
	acc.AddUnsupported(fileA, "ids", grid.KindInt32)
	return acc
}

func newCache(acc grid.Accessor, opts ...cache.Option) *cache.Cache {
	base := []cache.Option{cache.WithAccessor(acc), cache.WithWorkers(2), cache.WithGrowBytes(1 << 16)}
	return cache.New(append(base, opts...)...)
}

func spec(gridName string, e sampling.Extents) cache.Spec {
	return cache.Spec{SourceIdentity: fileA, SourceUID: "uid-1", GridName: gridName, Extents: e}
}

func TestGetIdempotent(t *testing.T) {
	t.Parallel()

	acc := newAccessor()
	c := newCache(acc)

	v1, ok := c.Get(context.Background(), spec("density", cube(8)))
	require.True(t, ok)
	assert.False(t, v1.Empty)
	assert.Equal(t, cube(8), v1.Extents)
	assert.Equal(t, 8*8*8, v1.Samples.Len())
	first := bytes.Clone(v1.Samples.Bytes())

	v2, ok := c.Get(context.Background(), spec("density", cube(8)))
	require.True(t, ok)
	assert.Equal(t, v1.Header, v2.Header)
	assert.Equal(t, first, v2.Samples.Bytes())
	assert.Equal(t, int64(1), acc.Opens())

	st := c.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Zero(t, st.Misses)
}

func TestGetRoundTripFloat(t *testing.T) {
	t.Parallel()

	c := newCache(newAccessor(), cache.WithPrecision(sampling.Float), cache.WithFilter(sampling.FilterBox))
	v, ok := c.Get(context.Background(), spec("ramp", sampling.Extents{X: 4, Y: 4, Z: 2}))
	require.True(t, ok)
	assert.Equal(t, sampling.Float, v.Precision)
	assert.InDelta(t, 0.875+0.875+1.75, v.Header.ValueRange[0], 1e-5)
	assert.InDelta(t, 6.125+6.125+5.25, v.Header.ValueRange[1], 1e-5)

	// ramp = x+y+z over index 0..7; lattice centers sit at (i+0.5)/n*7.
	for z := range 2 {
		for y := range 4 {
			for x := range 4 {
				want := (float64(x)+0.5)/4*7 + (float64(y)+0.5)/4*7 + (float64(z)+0.5)/2*7
				got := v.Header.Denormalize(v.Samples.At(x + 4*y + 16*z))
				assert.InDelta(t, want, got, 1e-4)
			}
		}
	}
}

func TestGetEmptyVolume(t *testing.T) {
	t.Parallel()

	acc := newAccessor()
	c := newCache(acc)

	v, ok := c.Get(context.Background(), spec("empty", cube(16)))
	require.True(t, ok)
	assert.True(t, v.Empty)
	assert.Equal(t, cube(1), v.Extents)
	assert.Equal(t, 1, v.Samples.Len())
	assert.Zero(t, v.Samples.At(0))
	assert.Equal(t, [2]float64{0, 0}, v.Header.ValueRange)

	// A header-only entry is a hit.
	v, ok = c.Get(context.Background(), spec("empty", cube(16)))
	require.True(t, ok)
	assert.True(t, v.Empty)
	assert.Equal(t, [2]float64{0, 0}, v.Header.ValueRange)
	assert.Equal(t, int64(1), acc.Opens())

	// The unused sample space was reclaimed.
	assert.Equal(t, int64(sampling.Half.HeaderSize()), c.Stats().Head)
}

func TestGetMisses(t *testing.T) {
	t.Parallel()

	acc := newAccessor()
	c := newCache(acc)

	tests := []struct {
		name string
		spec cache.Spec
	}{
		{name: "unavailable file", spec: cache.Spec{SourceIdentity: "/nope.vxg", GridName: "density", Extents: cube(4)}},
		{name: "missing grid", spec: spec("temperature", cube(4))},
		{name: "unsupported type", spec: spec("ids", cube(4))},
		{name: "invalid extents", spec: spec("density", sampling.Extents{X: 0, Y: 4, Z: 4})},
	}
	for _, tt := range tests {
		_, ok := c.Get(context.Background(), tt.spec)
		assert.False(t, ok, tt.name)
	}

	st := c.Stats()
	assert.Zero(t, st.Entries)
	assert.Equal(t, uint64(len(tests)), st.Misses)

	// Each failing Get makes a single attempt.
	opens := acc.Opens()
	_, ok := c.Get(context.Background(), spec("temperature", cube(4)))
	assert.False(t, ok)
	assert.Equal(t, opens+1, acc.Opens())
}

func TestGetTooLarge(t *testing.T) {
	t.Parallel()

	c := newCache(newAccessor(), cache.WithMemoryLimitBytes(256), cache.WithGrowBytes(64))

	small, ok := c.Get(context.Background(), spec("density", cube(2)))
	require.True(t, ok)
	smallBytes := bytes.Clone(small.Samples.Bytes())
	allocated := c.AllocatedBytes()

	_, ok = c.Get(context.Background(), spec("density", cube(16)))
	assert.False(t, ok)
	assert.Equal(t, allocated, c.AllocatedBytes())

	v, ok := c.Lookup(spec("density", cube(2)))
	require.True(t, ok)
	assert.Equal(t, smallBytes, v.Samples.Bytes())
}

func TestGetCancellationRollsBack(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var cancelOnSample sync.Once
	c := newCache(newAccessor(),
		cache.WithWorkers(1),
		cache.WithProgress(func(ev cache.ProgressEvent) {
			if ev.Stage == cache.StageSampling && ev.Spec.GridName == "ramp" {
				cancelOnSample.Do(cancel)
			}
		}))

	_, ok := c.Get(ctx, spec("density", cube(4)))
	require.True(t, ok)
	before := c.Stats()

	_, ok = c.Get(ctx, spec("ramp", cube(32)))
	assert.False(t, ok)

	after := c.Stats()
	assert.Equal(t, before.AllocatedBytes, after.AllocatedBytes)
	assert.Equal(t, before.Head, after.Head)
	assert.Equal(t, before.Entries, after.Entries)
	_, ok = c.Lookup(spec("ramp", cube(32)))
	assert.False(t, ok)
	_, ok = c.Lookup(spec("density", cube(4)))
	assert.True(t, ok)
}

func TestSetMemoryLimitShrinks(t *testing.T) {
	t.Parallel()

	// Each 4³ half entry is 16 header + 128 sample bytes.
	acc := testutil.NewMemoryAccessor()
	specs := make([]cache.Spec, 0, 20)
	for i := range 20 {
		identity := fmt.Sprintf("/data/shot%02d.vxg", i)
		acc.Add(identity, "uid", testutil.SphereGrid("density", 3, 1))
		specs = append(specs, cache.Spec{SourceIdentity: identity, SourceUID: "uid", GridName: "density", Extents: cube(4)})
	}
	c := newCache(acc, cache.WithMemoryLimitBytes(4096), cache.WithGrowBytes(1024))
	for _, s := range specs {
		_, ok := c.Get(context.Background(), s)
		require.True(t, ok)
	}
	require.Equal(t, 20, c.Stats().Entries)

	c.SetMemoryLimitBytes(1000)
	assert.LessOrEqual(t, c.AllocatedBytes(), int64(1000))
	assert.Equal(t, int64(1000), c.MemoryLimitBytes())

	for i, s := range specs {
		_, ok := c.Lookup(s)
		// Entries ending at or before byte 1000 survive: 6 × 144 = 864.
		assert.Equal(t, i < 6, ok, "entry %d", i)
	}

	// Lowering to zero disables caching.
	c.SetMemoryLimitBytes(0)
	assert.Zero(t, c.AllocatedBytes())
	assert.Zero(t, c.Stats().Entries)
}

func TestMemoryBound(t *testing.T) {
	t.Parallel()

	const limit = 3000
	c := newCache(newAccessor(), cache.WithMemoryLimitBytes(limit), cache.WithGrowBytes(700))
	for i := range 60 {
		n := 2 + i%7
		_, ok := c.Get(context.Background(), spec([]string{"density", "ramp", "empty"}[i%3], sampling.Extents{X: n, Y: n + 1, Z: 3}))
		require.True(t, ok)
		assert.LessOrEqual(t, c.AllocatedBytes(), int64(limit))
	}
	assert.Positive(t, c.Stats().Evictions)
}

func TestZeroLimitDisablesCaching(t *testing.T) {
	t.Parallel()

	acc := newAccessor()
	c := newCache(acc, cache.WithMemoryLimitBytes(0))

	v, ok := c.Get(context.Background(), spec("density", cube(6)))
	require.True(t, ok)
	assert.Equal(t, 6*6*6, v.Samples.Len())
	assert.Zero(t, c.AllocatedBytes())
	assert.Zero(t, c.Stats().Entries)

	_, ok = c.Get(context.Background(), spec("density", cube(6)))
	require.True(t, ok)
	assert.Equal(t, int64(2), acc.Opens())
}

func TestSetVoxelPrecisionClears(t *testing.T) {
	t.Parallel()

	c := newCache(newAccessor())
	_, ok := c.Get(context.Background(), spec("density", cube(4)))
	require.True(t, ok)
	require.Positive(t, c.AllocatedBytes())

	c.SetVoxelPrecision(sampling.Half)
	assert.Positive(t, c.AllocatedBytes(), "same precision keeps entries")

	c.SetVoxelPrecision(sampling.Float)
	assert.Zero(t, c.AllocatedBytes())
	assert.Zero(t, c.Stats().Entries)
	assert.Equal(t, sampling.Float, c.VoxelPrecision())

	v, ok := c.Get(context.Background(), spec("density", cube(4)))
	require.True(t, ok)
	assert.Equal(t, sampling.Float, v.Precision)
	assert.Len(t, v.Samples.Bytes(), 4*4*4*4)
}

func TestKeyIgnoresUID(t *testing.T) {
	t.Parallel()

	a := spec("density", cube(4))
	b := a
	b.SourceUID = "uid-2"
	assert.Equal(t, a.Key(), b.Key())

	c2 := a
	c2.GridName = "ramp"
	assert.NotEqual(t, a.Key(), c2.Key())
	c3 := a
	c3.Extents = cube(5)
	assert.NotEqual(t, a.Key(), c3.Key())
}

func TestStaleGenerationHit(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	reg := prometheus.NewRegistry()
	acc := newAccessor()
	c := newCache(acc, cache.WithLogger(logger), cache.WithRegisterer(reg))

	_, ok := c.Get(context.Background(), spec("density", cube(4)))
	require.True(t, ok)

	changed := spec("density", cube(4))
	changed.SourceUID = "uid-2"
	_, ok = c.Get(context.Background(), changed)
	require.True(t, ok, "uid is not part of the key")
	assert.Equal(t, int64(1), acc.Opens())
	assert.Contains(t, logs.String(), "different source generation")
	assert.InDelta(t, 1.0, counterValue(t, reg, "volume_cache_stale_generation_hits_total"), 0)

	// Invalidating the source forces a fresh sample.
	assert.Equal(t, 1, c.Invalidate(fileA))
	_, ok = c.Get(context.Background(), changed)
	require.True(t, ok)
	assert.Equal(t, int64(2), acc.Opens())
}

func TestUsageRefcount(t *testing.T) {
	t.Parallel()

	c := newCache(newAccessor())
	c.RegisterUsage()
	c.RegisterUsage()
	_, ok := c.Get(context.Background(), spec("density", cube(4)))
	require.True(t, ok)

	c.UnregisterUsage()
	assert.Equal(t, 1, c.Stats().Entries)
	assert.Equal(t, 1, c.Stats().Users)

	c.UnregisterUsage()
	assert.Zero(t, c.Stats().Entries)
	assert.Zero(t, c.AllocatedBytes())
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	acc := newAccessor()
	acc.Add("/data/b.vxg", "uid-b", testutil.SphereGrid("density", 3, 1))
	c := newCache(acc)

	for _, s := range []cache.Spec{spec("density", cube(4)), spec("ramp", cube(4))} {
		_, ok := c.Get(context.Background(), s)
		require.True(t, ok)
	}
	other := cache.Spec{SourceIdentity: "/data/b.vxg", GridName: "density", Extents: cube(4)}
	_, ok := c.Get(context.Background(), other)
	require.True(t, ok)

	assert.Equal(t, 2, c.Invalidate(fileA))
	assert.Zero(t, c.Invalidate(fileA))
	_, ok = c.Lookup(other)
	assert.True(t, ok)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestConcurrentGetSameKey(t *testing.T) {
	t.Parallel()

	c := newCache(newAccessor())
	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok := c.Get(context.Background(), spec("density", cube(12)))
			if ok {
				results[i] = bytes.Clone(v.Samples.Bytes())
			}
		}()
	}
	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0], r)
	}
	assert.Equal(t, 1, c.Stats().Entries)
}

// gatedAccessor blocks opens of one identity until release is called.
type gatedAccessor struct {
	grid.Accessor
	identity string
	entered  chan struct{}
	gate     chan struct{}
	enter    sync.Once
	open     sync.Once
}

func newGatedAccessor(inner grid.Accessor, identity string) *gatedAccessor {
	return &gatedAccessor{
		Accessor: inner,
		identity: identity,
		entered:  make(chan struct{}),
		gate:     make(chan struct{}),
	}
}

func (a *gatedAccessor) Open(identity string) (grid.File, error) {
	if identity == a.identity {
		a.enter.Do(func() { close(a.entered) })
		<-a.gate
	}
	return a.Accessor.Open(identity)
}

func (a *gatedAccessor) release() {
	a.open.Do(func() { close(a.gate) })
}

func TestGetDistinctKeysDoNotShareFill(t *testing.T) {
	t.Parallel()

	acc := testutil.NewMemoryAccessor()
	acc.Add("/a:b", "uid-1", testutil.ConstantGrid("c", testutil.Box(4, 4, 4), 1))
	acc.Add("/a", "uid-2", testutil.EmptyGrid("b:c"))
	gated := newGatedAccessor(acc, "/a:b")
	t.Cleanup(gated.release)
	c := newCache(gated)

	s1 := cache.Spec{SourceIdentity: "/a:b", GridName: "c", Extents: cube(4)}
	s2 := cache.Spec{SourceIdentity: "/a", GridName: "b:c", Extents: cube(4)}
	require.NotEqual(t, s1.Key(), s2.Key())
	require.Equal(t, s1.String(), s2.String(), "display forms collide")

	first := make(chan cache.Volume, 1)
	go func() {
		v, _ := c.Get(context.Background(), s1)
		first <- v
	}()
	<-gated.entered

	second := make(chan cache.Volume, 1)
	go func() {
		v, _ := c.Get(context.Background(), s2)
		second <- v
	}()
	select {
	case v := <-second:
		assert.True(t, v.Empty, "second key names an empty grid")
	case <-time.After(10 * time.Second):
		t.Fatal("fill for a distinct key waited on another key's fill")
	}

	gated.release()
	v := <-first
	assert.False(t, v.Empty)
	assert.Equal(t, cube(4), v.Extents)
}

func TestGetJoinedFillSurvivesOtherCallerCancel(t *testing.T) {
	t.Parallel()

	gated := newGatedAccessor(newAccessor(), fileA)
	t.Cleanup(gated.release)
	c := newCache(gated)
	s := spec("ramp", cube(8))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := make(chan bool, 1)
	go func() {
		_, ok := c.Get(ctx, s)
		first <- ok
	}()
	<-gated.entered

	second := make(chan bool, 1)
	go func() {
		_, ok := c.Get(context.Background(), s)
		second <- ok
	}()
	// Give the second caller time to join the blocked fill.
	time.Sleep(50 * time.Millisecond)
	cancel()
	gated.release()

	assert.False(t, <-first)
	assert.True(t, <-second)
	_, ok := c.Lookup(s)
	assert.True(t, ok)
}

func TestProgressEvents(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var stages []cache.ProgressStage
	var percents []int
	c := newCache(newAccessor(), cache.WithProgress(func(ev cache.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, ev.Stage)
		if ev.Stage == cache.StageSampling {
			percents = append(percents, ev.Percent)
			assert.Equal(t, uint64(10*10*10), ev.SamplesTotal)
		}
	}))

	_, ok := c.Get(context.Background(), spec("density", cube(10)))
	require.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(stages), 3)
	assert.Equal(t, cache.StageOpening, stages[0])
	assert.Equal(t, cache.StageReading, stages[1])
	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])
	for i := 1; i < len(percents); i++ {
		assert.Greater(t, percents[i], percents[i-1])
	}
}

func TestMetricsRegistered(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := newCache(newAccessor(), cache.WithRegisterer(reg))
	_, _ = c.Get(context.Background(), spec("density", cube(4)))
	_, _ = c.Get(context.Background(), spec("density", cube(4)))
	_, _ = c.Get(context.Background(), spec("missing", cube(4)))

	assert.InDelta(t, 1.0, counterValue(t, reg, "volume_cache_hits_total"), 0)
	assert.InDelta(t, 1.0, counterValue(t, reg, "volume_cache_misses_total"), 0)
	assert.InDelta(t, float64(c.AllocatedBytes()), gaugeValue(t, reg, "volume_cache_allocated_bytes"), 0)
}

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not registered", name)
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	var sum float64
	for _, m := range findFamily(t, reg, name).GetMetric() {
		sum += m.GetCounter().GetValue()
	}
	return sum
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return findFamily(t, reg, name).GetMetric()[0].GetGauge().GetValue()
}
