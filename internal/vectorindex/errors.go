package vectorindex

import "errors"

var (
	// ErrIndexUnavailable means the backing store could not be reached or
	// answered with a protocol error.
	ErrIndexUnavailable = errors.New("vector index unavailable")
	// ErrIndexNotFound is returned for operations issued before Create.
	ErrIndexNotFound = errors.New("vector index not found")
	// ErrSchemaConflict is returned when an existing index has a different field set.
	ErrSchemaConflict = errors.New("vector index schema conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDimensionMismatch always travels together with ErrInvalidArgument.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrNotFound is a miss on a plain key-value read.
	ErrNotFound = errors.New("key not found")
)
