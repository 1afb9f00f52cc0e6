package tlsrpt

import (
	"errors"
	"fmt"
	"strings"

	"example.com/tlsreporting/internal/domain"

	"github.com/hashicorp/go-multierror"
)

// GzipError is returned when gzip framed content cannot be decompressed.
type GzipError struct {
	Err error
}

func (e *GzipError) Error() string { return "gzip: " + e.Err.Error() }
func (e *GzipError) Unwrap() error { return e.Err }

// ValidationError is returned when the document is not well-formed JSON or
// does not match the report schema. It carries every field failure found.
type ValidationError struct {
	errs *multierror.Error
}

func newValidationError(errs *multierror.Error) *ValidationError {
	errs.ErrorFormat = formatFieldErrors
	return &ValidationError{errs: errs}
}

func (e *ValidationError) Error() string { return "invalid report: " + e.errs.Error() }
func (e *ValidationError) Unwrap() error { return e.errs.ErrorOrNil() }

// Fields returns the field failures in document order.
func (e *ValidationError) Fields() []domain.FieldError {
	out := make([]domain.FieldError, 0, len(e.errs.Errors))
	for _, err := range e.errs.Errors {
		var fe domain.FieldError
		if errors.As(err, &fe) {
			out = append(out, fe)
		}
	}
	return out
}

func formatFieldErrors(es []error) string {
	parts := make([]string, len(es))
	for i, err := range es {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d error(s): %s", len(es), strings.Join(parts, "; "))
}
