package cache

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
)

// Option configures a Cache.
type Option func(*Cache)

// WithMemoryLimitBytes sets the memory limit. Zero disables caching.
// Default: DefaultMemoryLimitBytes.
func WithMemoryLimitBytes(n int64) Option {
	return func(c *Cache) {
		c.limit = max(n, 0)
	}
}

// WithGrowBytes sets the increment by which the buffer grows.
// Default: DefaultGrowBytes.
func WithGrowBytes(n int64) Option {
	return func(c *Cache) {
		if n > 0 {
			c.grow = n
		}
	}
}

// WithPrecision sets the voxel storage precision. Default: sampling.Half.
func WithPrecision(p sampling.Precision) Option {
	return func(c *Cache) {
		c.precision = p
	}
}

// WithFilter sets the filter mode used on misses. Default: sampling.FilterAuto.
func WithFilter(m sampling.FilterMode) Option {
	return func(c *Cache) {
		c.filter = m
	}
}

// WithWorkers bounds sampling parallelism. Zero uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(c *Cache) {
		c.workers = n
	}
}

// WithAccessor sets how grid files are opened. Default: grid.NewFileAccessor().
func WithAccessor(a grid.Accessor) Option {
	return func(c *Cache) {
		c.accessor = a
	}
}

// WithLogger sets the logger for cache operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithProgress sets a callback for fill progress.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Cache) {
		c.progress = fn
	}
}

// WithRegisterer registers the cache metrics with reg.
// If not set, metrics are collected but not registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) {
		c.registerer = reg
	}
}
