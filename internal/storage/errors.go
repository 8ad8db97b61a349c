package storage

import "errors"

// Storage sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert hits a natural-key
	// constraint on an immutable store.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrRunAlreadyActive is returned when a run with status=started
	// already exists for the account. No new run row is created.
	ErrRunAlreadyActive = errors.New("run already active")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
