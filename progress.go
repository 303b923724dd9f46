package volume

import "github.com/LumaPictures/openvdb-render-sub000/core/cache"

// Re-export progress types from core/cache.
type (
	// ProgressEvent represents a progress update while a missing volume is filled.
	ProgressEvent = cache.ProgressEvent

	// ProgressStage identifies the current phase of a cache fill.
	ProgressStage = cache.ProgressStage

	// ProgressFunc receives progress updates during cache fills.
	// Implementations must be safe for concurrent calls.
	ProgressFunc = cache.ProgressFunc
)

// Re-export progress stage constants.
const (
	// StageOpening indicates the source file is being opened.
	StageOpening = cache.StageOpening

	// StageReading indicates the grid is being read from the file.
	StageReading = cache.StageReading

	// StageSampling indicates the grid is being sampled into the cache.
	StageSampling = cache.StageSampling
)
