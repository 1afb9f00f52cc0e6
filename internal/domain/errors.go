package domain

import "errors"

var (
	// ErrNotFound is returned by stores when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by stores when an insert hits a unique constraint.
	ErrAlreadyExists = errors.New("already exists")
)
