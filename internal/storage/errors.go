package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidTransition is returned when a conditional status update
	// matched no row: the run is missing or not in an allowed source state.
	ErrInvalidTransition = errors.New("storage: invalid run status transition")
)
