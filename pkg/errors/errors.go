// Package errors defines the domain error taxonomy for the write pipeline.
// Adapters and the coordinator return these; the HTTP layer maps them to
// transport codes via ToHTTPError.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind string

const (
	// KindOutOfRange marks a hard range or non-negativity violation. The
	// write is rejected before any storage effect.
	KindOutOfRange Kind = "out_of_range"
	// KindConflict marks a unique-key tuple collision, or an update rejected
	// because it was based on stale state.
	KindConflict Kind = "conflict"
	// KindNotFound marks an update/delete whose target does not exist.
	KindNotFound Kind = "not_found"
	// KindStorageUnavailable marks a transient backend failure. Safe for the
	// caller to retry; the pipeline performs no automatic retries.
	KindStorageUnavailable Kind = "storage_unavailable"
)

// DomainError carries the error kind plus whichever metadata the kind needs:
// the offending field for range violations, the colliding record id for
// conflicts.
type DomainError struct {
	Kind       Kind
	Field      string
	ExistingID string
	Message    string
	cause      error
}

func (e *DomainError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

// NewOutOfRange builds a range-violation error naming the offending field.
func NewOutOfRange(field, message string) *DomainError {
	return &DomainError{
		Kind:    KindOutOfRange,
		Field:   field,
		Message: fmt.Sprintf("%s %s", field, message),
	}
}

// NewConflict builds a unique-key collision error carrying the id of the
// record already occupying the tuple.
func NewConflict(existingID string) *DomainError {
	return &DomainError{
		Kind:       KindConflict,
		ExistingID: existingID,
		Message:    "record already exists for this state, crop, season, and year combination",
	}
}

// NewStaleWrite builds a conflict for a write rejected because the caller's
// view of the record was stale.
func NewStaleWrite(id string) *DomainError {
	return &DomainError{
		Kind:       KindConflict,
		ExistingID: id,
		Message:    "record was modified concurrently",
	}
}

// NewNotFound builds a missing-target error.
func NewNotFound(entity, id string) *DomainError {
	return &DomainError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s with ID %s not found", entity, id),
	}
}

// NewStorageUnavailable wraps a transient backend failure.
func NewStorageUnavailable(cause error) *DomainError {
	return &DomainError{
		Kind:    KindStorageUnavailable,
		Message: "storage unavailable",
		cause:   cause,
	}
}

func kindOf(err error) (Kind, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

func IsOutOfRange(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindOutOfRange
}

func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}

func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

func IsStorageUnavailable(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindStorageUnavailable
}

// AsDomainError unwraps err to a *DomainError if one is in the chain.
func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	ok := errors.As(err, &de)
	return de, ok
}

// ToHTTPError maps a domain error to its transport representation. Unknown
// errors map to 500.
func ToHTTPError(err error) *httperror.HTTPError {
	de, ok := AsDomainError(err)
	if !ok {
		return httperror.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	switch de.Kind {
	case KindOutOfRange:
		return httperror.NewHTTPError(http.StatusBadRequest, de.Message).AddMetaValue("field", de.Field)
	case KindConflict:
		return httperror.NewHTTPError(http.StatusConflict, de.Message).AddMetaValue("existing_id", de.ExistingID)
	case KindNotFound:
		return httperror.NewHTTPError(http.StatusNotFound, de.Message)
	case KindStorageUnavailable:
		return httperror.NewHTTPError(http.StatusServiceUnavailable, de.Message)
	}
	return httperror.NewHTTPError(http.StatusInternalServerError, de.Message)
}
