package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a write lost against a concurrent change, e.g.
	// updating a deployment that already reached a terminal state.
	ErrConflict = errors.New("repository: conflicting update")
	// ErrInvalidArgument rejects malformed input before it reaches the database.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)
