package schema

import "fmt"

// BlockRange is a half-open range of block numbers [Start, End).
type BlockRange struct {
	Start uint64
	End   uint64
}

// Contains reports whether the block number falls inside the range.
func (r BlockRange) Contains(block uint64) bool {
	return block >= r.Start && block < r.End
}

// Overlaps reports whether two ranges intersect.
func (r BlockRange) Overlaps(other BlockRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Intersect returns the overlapping part of two ranges. The second return
// is false when they do not intersect.
func (r BlockRange) Intersect(other BlockRange) (BlockRange, bool) {
	out := BlockRange{Start: max(r.Start, other.Start), End: min(r.End, other.End)}
	if out.Start >= out.End {
		return BlockRange{}, false
	}
	return out, true
}

// Len returns the number of blocks covered.
func (r BlockRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// String formats the range for logs and file names.
func (r BlockRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}
