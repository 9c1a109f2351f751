package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrOverlap matches any *OverlapError.
	ErrOverlap = errors.New("range overlaps existing mapping")
	// ErrNotMapped is returned when an operation requires mapped memory.
	ErrNotMapped = errors.New("address not mapped")
	// ErrAccess is returned when permissions deny an access.
	ErrAccess = errors.New("access denied")
	// ErrBadSize is returned for empty or wrapping spans.
	ErrBadSize = errors.New("invalid span size")
)

// OverlapError reports an AddMap that intersects an existing range.
type OverlapError struct {
	Base     uint64
	Size     uint64
	Existing MappedRange
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("map [0x%x, 0x%x): overlaps %s", e.Base, e.Base+e.Size, e.Existing)
}

func (e *OverlapError) Is(target error) bool { return target == ErrOverlap }
