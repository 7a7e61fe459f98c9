package chunk

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrOverlappingRange indicates a chunk write that intersects an
	// existing chunk. Only the compactor writes chunks and it only ever
	// extends the frontier, so this is a bug signal, never retried.
	ErrOverlappingRange = errors.New("overlapping chunk range")

	// ErrChunkNotFound indicates an unknown chunk ID.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrCorruptChunk indicates a chunk file that fails structural checks.
	ErrCorruptChunk = errors.New("corrupt chunk file")

	// ErrNoFilter indicates a request for a bloom filter field the chunk
	// does not carry.
	ErrNoFilter = errors.New("no such bloom filter")

	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("chunk store is closed")
)

// StoreError wraps a chunk store failure with the operation and chunk
// involved.
type StoreError struct {
	Op    string
	Chunk string
	Cause error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Chunk != "" {
		return fmt.Sprintf("%s chunk %s: %v", e.Op, e.Chunk, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

func storeErr(op, chunk string, cause error) error {
	return &StoreError{Op: op, Chunk: chunk, Cause: cause}
}
