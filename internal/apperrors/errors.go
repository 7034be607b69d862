// Package apperrors carries the service error taxonomy shared by the HTTP layer and the domain services.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gorm.io/gorm"
)

// Kind classifies a failure for transport mapping.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindAuthentication Kind = "authentication"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindInternal       Kind = "internal"
)

// Error is a classified service failure with a machine readable code of the form operation.reason.
type Error struct {
	kind Kind
	code string
	err  error
}

// New builds a classified error for the operation and reason.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the machine readable code.
func (e *Error) Code() string {
	return e.code
}

// Kind returns the failure class.
func (e *Error) Kind() Kind {
	return e.kind
}

// KindOf reports the kind of err, defaulting to KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return KindInternal
}

// CodeOf reports the code of err, or an empty string for unclassified errors.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// IsUniqueViolation reports whether err was raised by a unique index.
// Drivers that do not translate their errors are matched on message.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value") ||
		strings.Contains(message, "sqlstate 23505")
}
