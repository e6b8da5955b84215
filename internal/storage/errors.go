package storage

import "errors"

var (
	// ErrNotFound is returned by updates and deletes that target a missing row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("already exists")
)
