// Package cache stores sampled volumes in a single bounded byte buffer.
//
// A Cache maps a Spec (source file, grid name, lattice extents) to a region
// of one contiguous buffer holding an encoded sampling.Header followed by the
// normalized samples. Regions are handed out by a ring allocator: a write
// cursor advances through the buffer and wraps to the start once the next
// region would cross the memory limit. Entries overlapping a new region are
// evicted, so live entries never share bytes and the buffer never exceeds
// the limit.
//
// Misses open the grid through a grid.Accessor, sample it with
// sampling.SampleGrid directly into the new region, and either commit the
// region or roll it back. Get never returns an error: unavailable sources,
// oversized requests and cancelled sampling are logged and reported as a
// miss.
//
// Key equality deliberately ignores the source UID. A file rewritten in
// place keeps hitting its old entries until it is invalidated; the cache
// logs a warning when it detects such a stale hit. Use Invalidate, or the
// watch subpackage, to drop entries for changed files.
package cache
