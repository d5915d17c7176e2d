package domain

import "errors"

var (
	// ErrNotFound is returned by stores when the addressed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by stores when a uniqueness or precondition check fails.
	ErrConflict = errors.New("conflict")
)
