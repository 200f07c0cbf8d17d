package common

import (
	"errors"
	"net/http"
)

// Error taxonomy. Components wrap these sentinels with fmt.Errorf("...: %w")
// so the HTTP boundary can translate any error chain into a status code.
var (
	// ErrNotFound indicates a missing entity.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness violation or an exhausted
	// concurrency limit (max_users).
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates a payload, level-rule or UID-format violation.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates a missing, expired or invalid session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the user's roles do not permit the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrAssociation indicates the PACS peer is unreachable or rejected
	// the association.
	ErrAssociation = errors.New("association rejected")

	// ErrProtocolStatus indicates a DIMSE response status outside the
	// success/pending set.
	ErrProtocolStatus = errors.New("unexpected DIMSE status")

	// ErrTimeout indicates a dependency (PACS, Slicer) timed out.
	ErrTimeout = errors.New("dependency timeout")

	// ErrStorage indicates a disk cache read or write failed.
	ErrStorage = errors.New("storage error")
)

// HTTPStatus maps an error chain to the HTTP status code defined by the
// error design. Unrecognized errors are internal.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrAssociation):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrProtocolStatus):
		return http.StatusBadGateway
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
