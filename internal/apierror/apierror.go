// Package apierror holds the closed set of error kinds exposed to clients
// and the single mapping from internal failures onto them.
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"example.com/tlsreporting/internal/domain"
	"example.com/tlsreporting/internal/ingest"
	"example.com/tlsreporting/internal/tlsrpt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindGzip
	KindJSON
	KindAlreadyExists
	KindNotFound
	KindPayloadTooLarge
	KindUnsupportedMediaType
	KindUnauthorized
	KindTooManyRequests
	KindUnavailable
)

type kindInfo struct {
	name    string
	code    string
	status  int
	message string
}

var kinds = map[Kind]kindInfo{
	KindInternal:      {"InternalServerError", "500-01", http.StatusInternalServerError, "An internal server error occurred."},
	KindGzip:          {"GzipError", "422-01", http.StatusUnprocessableEntity, "An error occurred during encoding/decoding the content to/from Gzip."},
	KindJSON:          {"JsonError", "422-02", http.StatusUnprocessableEntity, "An error occurred while parsing the JSON content, e.g., not well formatted or incorrect types."},
	KindAlreadyExists: {"ResourceAlreadyExists", "409-01", http.StatusConflict, "The resource already exists."},
	KindNotFound:      {"ResourceNotFound", "404-01", http.StatusNotFound, "The requested resource could not be found."},

	KindPayloadTooLarge:      {"PayloadTooLarge", "413-01", http.StatusRequestEntityTooLarge, "The request body is too large."},
	KindUnsupportedMediaType: {"UnsupportedMediaType", "415-01", http.StatusUnsupportedMediaType, "The content type of the request is not supported."},
	KindUnauthorized:         {"Unauthorized", "401-01", http.StatusUnauthorized, "Invalid or missing API key."},
	KindTooManyRequests:      {"TooManyRequests", "429-01", http.StatusTooManyRequests, "Rate limit exceeded, try again later."},
	KindUnavailable:          {"ServiceUnavailable", "503-01", http.StatusServiceUnavailable, "The service is not ready."},
}

func (k Kind) info() kindInfo {
	if i, ok := kinds[k]; ok {
		return i
	}
	return kinds[KindInternal]
}

func (k Kind) String() string  { return k.info().name }
func (k Kind) Code() string    { return k.info().code }
func (k Kind) Status() int     { return k.info().status }
func (k Kind) Message() string { return k.info().message }

// Error is a client facing failure. The wrapped cause is never serialized.
type Error struct {
	Kind       Kind
	Additional []any
	cause      error
}

func New(kind Kind, cause error, additional ...any) *Error {
	return &Error{Kind: kind, Additional: additional, cause: cause}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Kind.Code())
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Kind.Code(), e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Envelope is the wire shape: {"detail": {"message", "code", "additional"}}.
type Envelope struct {
	Detail Detail `json:"detail"`
}

type Detail struct {
	Message    string `json:"message"`
	Code       string `json:"code"`
	Additional []any  `json:"additional,omitempty"`
}

func (e *Error) Envelope() Envelope {
	return Envelope{Detail: Detail{
		Message:    e.Kind.Message(),
		Code:       e.Kind.Code(),
		Additional: e.Additional,
	}}
}

// Translate maps any error returned by the intake pipeline onto a client
// facing error. Unknown errors become KindInternal.
func Translate(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return New(KindPayloadTooLarge, err, tooLarge.Limit)
	}

	var gzErr *tlsrpt.GzipError
	if errors.As(err, &gzErr) {
		return New(KindGzip, err)
	}

	var verr *tlsrpt.ValidationError
	if errors.As(err, &verr) {
		fields := verr.Fields()
		additional := make([]any, len(fields))
		for i, f := range fields {
			additional[i] = f
		}
		return New(KindJSON, err, additional...)
	}

	var dup *ingest.DuplicateReportError
	if errors.As(err, &dup) {
		return New(KindAlreadyExists, err, dup.ExistingID)
	}

	if errors.Is(err, domain.ErrNotFound) {
		return New(KindNotFound, err)
	}

	return New(KindInternal, err)
}

// IsClientError reports whether the failure is caused by the submitted content
// and retrying the same content cannot succeed.
func (e *Error) IsClientError() bool {
	return e.Kind.Status() < http.StatusInternalServerError
}
