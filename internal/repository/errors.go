package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the store rejected the write as malformed.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrConflict indicates a uniqueness rule was violated.
var ErrConflict = errors.New("repository: conflict")

// ErrStaleState indicates a compare-and-set write found the record in a
// different state than expected. The caller must re-read before retrying.
var ErrStaleState = errors.New("repository: stale state")
