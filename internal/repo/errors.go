package repo

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrLocked is returned when a row lock could not be taken without
	// waiting.
	ErrLocked = errors.New("row locked by another transaction")
)
