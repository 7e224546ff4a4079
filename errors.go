package pytailor

import "github.com/pytailor/pytailor/internal/bundletype"

// Errors re-exported from the codec packages.
var (
	// ErrFormat is returned when an archive's magic number or binary
	// layout does not match the expected format.
	ErrFormat = bundletype.ErrFormat

	// ErrTruncated is returned when a file is too short to hold the
	// fixed records the format requires.
	ErrTruncated = bundletype.ErrTruncated

	// ErrVersionMismatch reports a bytecode version tag that differs
	// from the configured compiler's. It is logged as a warning and
	// never fails a run.
	ErrVersionMismatch = bundletype.ErrVersionMismatch
)
