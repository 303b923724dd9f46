// Package sizing provides safe size arithmetic and conversions to prevent overflow.
package sizing

import (
	"io"
	"math"
)

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// MulUint64 multiplies two uint64 values, returning (result, false) on overflow.
func MulUint64(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxUint64/b {
		return 0, false
	}
	return a * b, true
}

// VoxelCount returns x*y*z, or (0, false) if any component is negative or the
// product overflows.
func VoxelCount(x, y, z int) (uint64, bool) {
	if x < 0 || y < 0 || z < 0 {
		return 0, false
	}
	xy, ok := MulUint64(uint64(x), uint64(y))
	if !ok {
		return 0, false
	}
	return MulUint64(xy, uint64(z))
}

// AlignUp rounds val up to the next multiple of alignment.
// alignment must be a power of two.
func AlignUp(val, alignment int) int {
	if alignment <= 1 {
		return val
	}
	if alignment&(alignment-1) != 0 {
		panic("sizing: alignment must be a power of two")
	}
	return (val + alignment - 1) &^ (alignment - 1)
}

// ReadAllWithLimit reads up to maxSize bytes from r.
// Returns overflowErr if more than maxSize bytes are available.
func ReadAllWithLimit(r io.Reader, maxSize uint64, overflowErr error) ([]byte, error) {
	if maxSize > uint64(math.MaxInt-1) {
		return nil, overflowErr
	}
	limit := int64(maxSize) + 1 //nolint:gosec // checked above
	lr := &io.LimitedReader{R: r, N: limit}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > maxSize { //nolint:gosec // len is always non-negative
		return nil, overflowErr
	}
	return data, nil
}
