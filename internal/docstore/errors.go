package docstore

import "errors"

var (
	// ErrNotFound is returned when deleting a document key that holds no
	// document.
	ErrNotFound = errors.New("no document with key")

	// ErrClosed is returned by operations on a closed database or manager.
	ErrClosed = errors.New("database closed")

	// ErrWrongType is returned by an operation the database type does not
	// support, such as Add on a keyvalue database.
	ErrWrongType = errors.New("operation not supported by database type")

	// ErrUnknownDatabase is returned when a name or address resolves to no
	// manifest.
	ErrUnknownDatabase = errors.New("unknown database")
)
