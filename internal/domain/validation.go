package domain

import (
	"fmt"
	"strings"
)

// FieldError represents a single field's validation error. Location is the
// path from the document root: object keys are strings, array indices ints.
type FieldError struct {
	Location []any  `json:"location"`
	Message  string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Path(), e.Message) }

// Path renders Location as a dotted path, e.g. policies.0.policy.policy-type.
func (e FieldError) Path() string {
	parts := make([]string, len(e.Location))
	for i, p := range e.Location {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ".")
}

// Loc builds a location from keys and indices.
func Loc(parts ...any) []any { return parts }
