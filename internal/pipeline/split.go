package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNonPositiveDuration indicates an input with no playable length.
	ErrNonPositiveDuration = errors.New("input duration must be positive")
	// ErrNonPositiveMaxChunk indicates a maximum chunk length that cannot bound anything.
	ErrNonPositiveMaxChunk = errors.New("max chunk duration must be positive")
)

// Segment is one contiguous slice of the input timeline.
type Segment struct {
	Index    int
	Start    time.Duration
	Duration time.Duration
}

// Split partitions [0, total) into ceil(total/maxChunk) contiguous segments.
// Every segment but the last is exactly maxChunk long; the last is > 0. An
// input no longer than maxChunk yields a single segment covering all of it.
func Split(total, maxChunk time.Duration) ([]Segment, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNonPositiveDuration, total)
	}

	if maxChunk <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNonPositiveMaxChunk, maxChunk)
	}

	count := int((total + maxChunk - 1) / maxChunk)
	segments := make([]Segment, 0, count)

	for index := range count {
		start := time.Duration(index) * maxChunk
		segments = append(segments, Segment{
			Index:    index,
			Start:    start,
			Duration: min(maxChunk, total-start),
		})
	}

	return segments, nil
}
