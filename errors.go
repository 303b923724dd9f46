package volume

import (
	"errors"

	"github.com/LumaPictures/openvdb-render-sub000/core/cache"
	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
)

// ErrTexture is returned when a texture cannot be created, updated or
// bound to a shader.
var ErrTexture = errors.New("volume: texture")

// Errors re-exported from core/grid.
var (
	// ErrUnavailable is returned when a source file cannot be opened or parsed.
	ErrUnavailable = grid.ErrUnavailable

	// ErrNotFound is returned when a source has no grid with the requested name.
	ErrNotFound = grid.ErrNotFound

	// ErrUnsupportedType is returned when a grid's value type cannot be sampled.
	ErrUnsupportedType = grid.ErrUnsupportedType

	// ErrInvalidFile is returned when a grid file is malformed.
	ErrInvalidFile = grid.ErrInvalidFile
)

// Errors re-exported from core/sampling.
var (
	// ErrInvalidExtents is returned for lattice extents with a non-positive
	// component or an overflowing sample count.
	ErrInvalidExtents = sampling.ErrInvalidExtents

	// ErrUnknownFilterMode is returned for an unrecognized filter mode.
	ErrUnknownFilterMode = sampling.ErrUnknownFilterMode
)

// Errors re-exported from core/cache.
var (
	// ErrTooLarge is returned when a single volume exceeds the memory limit.
	ErrTooLarge = cache.ErrTooLarge

	// ErrInterrupted is returned when sampling was cancelled.
	ErrInterrupted = cache.ErrInterrupted
)
