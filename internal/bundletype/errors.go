package bundletype

import "errors"

var (
	// ErrFormat is returned when an archive's magic number or binary
	// layout does not match the expected format.
	ErrFormat = errors.New("invalid archive format")

	// ErrTruncated is returned when a file is too short to hold the
	// fixed records the format requires.
	ErrTruncated = errors.New("truncated archive")

	// ErrVersionMismatch reports a bytecode version tag that differs from
	// the one the configured compiler produces. Callers treat it as a
	// warning, not a failure.
	ErrVersionMismatch = errors.New("bytecode version mismatch")
)
