package control_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumaPictures/openvdb-render-sub000/control"
	"github.com/LumaPictures/openvdb-render-sub000/core/cache"
	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
	"github.com/LumaPictures/openvdb-render-sub000/core/testutil"
)

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    int64
		want string
	}{
		{0, "0.00B"},
		{512, "512.00B"},
		{1024, "1.00KB"},
		{1536, "1.50KB"},
		{3 << 20, "3.00MB"},
		{2 << 30, "2.00GB"},
		{(1 << 30) + (1 << 29), "1.50GB"},
		{4096 << 30, "4096.00GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, control.FormatBytes(tt.n), "FormatBytes(%d)", tt.n)
	}
}

func TestEdit(t *testing.T) {
	t.Parallel()

	c := cache.New()
	res, err := control.Exec(c, []string{"-e", "--limit", "4"})
	require.NoError(t, err)
	assert.Equal(t, control.ModeEdit, res.Mode)
	assert.Empty(t, res.Text)
	assert.Equal(t, int64(4<<30), c.MemoryLimitBytes())

	_, err = control.Exec(c, []string{"--edit", "--voxel-type", "float", "-l", "0"})
	require.NoError(t, err)
	assert.Equal(t, sampling.Float, c.VoxelPrecision())
	assert.Zero(t, c.MemoryLimitBytes())

	_, err = control.Exec(c, []string{"-e", "--voxel-type=half"})
	require.NoError(t, err)
	assert.Equal(t, sampling.Half, c.VoxelPrecision())
}

func TestEditInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{name: "negative limit", args: []string{"-e", "--limit", "-1"}},
		{name: "fractional limit", args: []string{"-e", "--limit", "1.5"}},
		{name: "missing limit", args: []string{"-e", "--limit"}},
		{name: "unknown voxel type", args: []string{"-e", "--voxel-type", "double"}},
		{name: "unknown flag", args: []string{"-e", "--size", "1"}},
		{name: "edit and query", args: []string{"-e", "-q", "--limit", "1"}},
		{name: "stray argument", args: []string{"-q", "--limit", "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := cache.New()
			_, err := control.Exec(c, tt.args)
			require.ErrorIs(t, err, control.ErrInvalidArgument)
			assert.Equal(t, cache.DefaultMemoryLimitBytes, c.MemoryLimitBytes())
			assert.Equal(t, sampling.Half, c.VoxelPrecision())
		})
	}
}

func TestEditAppliesNothingOnError(t *testing.T) {
	t.Parallel()

	c := cache.New()
	_, err := control.Exec(c, []string{"-e", "--limit", "8", "--voxel-type", "bogus"})
	require.ErrorIs(t, err, control.ErrInvalidArgument)
	assert.Equal(t, cache.DefaultMemoryLimitBytes, c.MemoryLimitBytes())
}

func TestQuery(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.WithMemoryLimitBytes(3<<30+5), cache.WithPrecision(sampling.Float))

	res, err := control.Exec(c, []string{"-q", "--limit"})
	require.NoError(t, err)
	assert.Equal(t, control.Result{Mode: control.ModeQuery, Text: "3"}, res)

	res, err = control.Exec(c, []string{"--query", "--voxel-type"})
	require.NoError(t, err)
	assert.Equal(t, "float", res.Text)

	_, err = control.Exec(c, []string{"-q"})
	require.ErrorIs(t, err, control.ErrInvalidArgument)
}

func TestInfo(t *testing.T) {
	t.Parallel()

	acc := testutil.NewMemoryAccessor()
	acc.Add("/a.vxg", "1", testutil.SphereGrid("density", 4, 1))
	c := cache.New(cache.WithAccessor(acc), cache.WithGrowBytes(1536))
	_, ok := c.Get(context.Background(), cache.Spec{
		SourceIdentity: "/a.vxg",
		GridName:       "density",
		Extents:        sampling.Extents{X: 8, Y: 8, Z: 8},
	})
	require.True(t, ok)

	res, err := control.Exec(c, []string{"--limit"})
	require.NoError(t, err)
	assert.Equal(t, control.ModeInfo, res.Mode)
	assert.Equal(t, "Volume cache allocated/total: 1.50KB/2.00GB.", res.Text)

	res, err = control.Exec(c, []string{"--voxel-type"})
	require.NoError(t, err)
	assert.Equal(t, "Volume cache voxel type is 'half'.", res.Text)

	c.SetMemoryLimitBytes(0)
	res, err = control.Exec(c, []string{"-l"})
	require.NoError(t, err)
	assert.Equal(t, "Volume caching is off.", res.Text)
}

func TestHelp(t *testing.T) {
	t.Parallel()

	c := cache.New()
	for _, args := range [][]string{nil, {"-h"}, {"--help", "-e", "--limit", "2"}} {
		res, err := control.Exec(c, args)
		require.NoError(t, err)
		assert.Equal(t, control.ModeHelp, res.Mode)
		assert.Equal(t, control.Usage, res.Text)
	}
	assert.Equal(t, cache.DefaultMemoryLimitBytes, c.MemoryLimitBytes())
}
