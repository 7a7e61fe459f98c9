package hotstore

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrOutOfOrder indicates an append or commit below the ingest frontier.
	// A sequencing bug in the caller, never swallowed.
	ErrOutOfOrder = errors.New("append out of order")

	// ErrRangeNotCompactable indicates a DeleteRange that is not a prefix of
	// the store's coverage. Protects un-flushed rows from deletion.
	ErrRangeNotCompactable = errors.New("range not compactable")

	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("hot store is closed")
)

func appendErr(block uint64, cause error) error {
	return fmt.Errorf("append block %d: %w", block, cause)
}
