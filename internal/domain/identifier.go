package domain

import "github.com/google/uuid"

// NewIdentifier returns an opaque, URL-safe identifier. Identifiers are
// UUIDv7 strings, so they sort by creation time.
func NewIdentifier() string {
	id, err := uuid.NewV7()
	if err != nil {
		// only fails when the random source fails
		return uuid.NewString()
	}
	return id.String()
}
