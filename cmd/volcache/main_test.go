package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the global config at an empty directory and runs in a
// fresh working directory.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestSynthThenSample(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "smoke.vxg")

	code, _, stderr := runCLI(t, "synth", "-o", path, "--radius", "6", "--voxel-size", "0.5")
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr := runCLI(t, "sample", path, "-g", "density", "-n", "8", "--repeat", "2")
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "grid=density extents=8x8x8 hit=false empty=false precision=half")
	assert.Contains(t, lines[1], "Volume cache allocated/total:")
	assert.Contains(t, lines[2], "hit=true")

	code, stdout, stderr = runCLI(t, "--voxel-type", "float", "sample", path, "-g", "empty", "-n", "4", "--repeat", "1")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "empty=true precision=float")

	code, stdout, _ = runCLI(t, "sample", path, "-g", "missing", "--repeat", "1")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "grid=missing extents=64x64x64 unavailable")
}

func TestSampleOverHTTP(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "smoke.vxg")
	code, _, stderr := runCLI(t, "synth", "-o", path, "--radius", "4")
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr := runCLI(t, "--limit-gb", "0", "sample", path, "--serve-local", "-g", "heat", "-n", "4", "--http-bps", "10MBps")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "grid=heat extents=4x4x4 hit=false")
	assert.Contains(t, stdout, "Volume caching is off.")
	assert.NotContains(t, stdout, "hit=true")
}

func TestCacheCommand(t *testing.T) {
	isolate(t)

	code, stdout, _ := runCLI(t, "cache", "-q", "--limit")
	require.Equal(t, 0, code)
	assert.Equal(t, "2\n", stdout)

	code, stdout, _ = runCLI(t, "--limit-gb", "5", "--voxel-type", "float", "cache", "--voxel-type")
	require.Equal(t, 0, code)
	assert.Equal(t, "Volume cache voxel type is 'float'.\n", stdout)

	code, stdout, _ = runCLI(t, "cache", "-e", "--limit", "1")
	require.Equal(t, 0, code)
	assert.Equal(t, "limit=1.00GB voxel-type=half\n", stdout)

	code, _, stderr := runCLI(t, "cache", "-e", "--limit", "-3")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid argument")
}

func TestConfigFile(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{
		// three gigabytes
		"memory_limit_gb": 3,
		"voxel_type": "float",
	}`), 0o600))

	code, stdout, _ := runCLI(t, "cache", "-q", "--limit")
	require.Equal(t, 0, code)
	assert.Equal(t, "3\n", stdout)

	// Flags win over files.
	code, stdout, _ = runCLI(t, "--limit-gb", "0", "cache", "--limit")
	require.Equal(t, 0, code)
	assert.Equal(t, "Volume caching is off.\n", stdout)

	explicit := filepath.Join(dir, "other.json")
	require.NoError(t, os.WriteFile(explicit, []byte(`{"filter": "sideways"}`), 0o600))
	code, _, stderr := runCLI(t, "--config", explicit, "cache", "--limit")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid config")

	code, _, stderr = runCLI(t, "--config", "absent.json", "cache", "--limit")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "config file not found")
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := isolate(t)
	global := os.Getenv("XDG_CONFIG_HOME")
	require.NoError(t, os.MkdirAll(filepath.Join(global, "volcache"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(global, "volcache", "config.json"),
		[]byte(`{"memory_limit_gb": 8, "workers": 3, "filter": "box"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName),
		[]byte(`{"workers": 2}`), 0o600))

	cfg, err := LoadConfig(dir, "", Config{Filter: "multires"})
	require.NoError(t, err)
	assert.Equal(t, int64(8), *cfg.MemoryLimitGB)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "multires", cfg.Filter)
	assert.Equal(t, "half", cfg.VoxelType)

	negative := int64(-1)
	_, err = LoadConfig(dir, "", Config{MemoryLimitGB: &negative})
	require.ErrorIs(t, err, errConfigInvalid)
}

func TestParseBytesPerSecond(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "512", want: 512},
		{in: "10MBps", want: 10 << 20},
		{in: "4k/s", want: 4 << 10},
		{in: "1G", want: 1 << 30},
		{in: "", wantErr: true},
		{in: "fast", wantErr: true},
		{in: "-5", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseBytesPerSecond(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestUsage(t *testing.T) {
	isolate(t)

	code, _, stderr := runCLI(t)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: volcache")

	code, _, stderr = runCLI(t, "explode")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `unknown command "explode"`)

	code, stdout, _ := runCLI(t, "sample", "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "--extents")
}
