package cache

import "github.com/jmgilman/go/errors"

// Sentinel errors. Compare with errors.Is; wrapped errors keep their identity.
var (
	// ErrConfiguration reports a malformed enable string or options file.
	ErrConfiguration = errors.New(errors.CodeInvalidConfig, "invalid cache configuration")
	// ErrUnknownRepresentation is returned by Retrieve when an entry carries a
	// representation tag this build does not know.
	ErrUnknownRepresentation = errors.New(errors.CodeInvalidInput, "unknown cache representation")
	// ErrAbsentKey is returned when a key is not (or no longer) cached.
	ErrAbsentKey = errors.New(errors.CodeNotFound, "key not in cache")
	// ErrTrackerFailure is reported once the tracker stopped on an error.
	// The cache stays degraded for the rest of the run.
	ErrTrackerFailure = errors.New(errors.CodeInternal, "cache tracker failed")
	// ErrUnsupportedValue is returned when a value cannot be stored in shared
	// memory. Insert downgrades it to "not cached".
	ErrUnsupportedValue = errors.New(errors.CodeInvalidInput, "unsupported cache value")
	// ErrClosed is returned by a closed client or a stopped node.
	ErrClosed = errors.New(errors.CodeUnavailable, "cache closed")
)
