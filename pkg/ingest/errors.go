package ingest

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidRequest matches every *ValidationError.
	ErrInvalidRequest = errors.New("invalid log request")
	// ErrQuotaUnavailable means the quota authority produced no decision.
	ErrQuotaUnavailable = errors.New("quota authority unavailable")
	// ErrStorageUnavailable means an admitted entry could not be stored. The
	// quota it consumed is not refunded.
	ErrStorageUnavailable = errors.New("log storage unavailable")
)

// ValidationError lists every field problem found in a Request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid log request: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// UnavailableError is an infrastructure failure on the ingest path. Kind is
// ErrQuotaUnavailable or ErrStorageUnavailable and Err is the cause.
type UnavailableError struct {
	Kind error
	Err  error
}

func (e *UnavailableError) Error() string {
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == e.Kind
}
