package schema

import (
	"errors"
	"fmt"
)

// Sentinel errors for the codec
var (
	// ErrSchemaMismatch indicates a buffer whose declared kind, version or
	// column layout disagrees with the expected schema. The buffer is
	// unusable but the process must keep running.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrTruncatedBuffer indicates a buffer shorter than its declared contents
	ErrTruncatedBuffer = errors.New("truncated buffer")
)

// CodecError wraps a codec failure with the operation and kind involved.
type CodecError struct {
	Op    string
	Kind  Kind
	Cause error
}

// Error implements the error interface.
func (e *CodecError) Error() string {
	return fmt.Sprintf("%s %s buffer: %v", e.Op, e.Kind, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *CodecError) Unwrap() error {
	return e.Cause
}

func codecErr(op string, kind Kind, cause error) error {
	return &CodecError{Op: op, Kind: kind, Cause: cause}
}
