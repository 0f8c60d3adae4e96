// Package dErrors provides coded domain errors. Services construct these at
// the boundary between infrastructure facts (pkg/platform/sentinel) and
// business rules; transport layers translate codes to HTTP statuses without
// inspecting error strings.
package dErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of domain error.
type Code string

const (
	// Generic codes.
	CodeBadRequest   Code = "bad_request"
	CodeInvalidInput Code = "invalid_input"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeUnauthorized Code = "unauthorized"
	CodeTimeout      Code = "timeout"
	CodeUnavailable  Code = "unavailable"
	CodeInternal     Code = "internal"

	// Referral domain codes. These are part of the external contract: the
	// apply/reserve/stats operations report rejections verbatim under these
	// codes and never mask them with fallback values.
	CodeInvalidFormat      Code = "invalid_format"
	CodeUnknownCode        Code = "unknown_code"
	CodeSelfReferral       Code = "self_referral"
	CodeAlreadyReferred    Code = "already_referred_by_other"
	CodeNoCodeYet          Code = "no_code_yet"
	CodeSpaceExhausted     Code = "code_space_exhausted"
	CodeTransientConflict  Code = "transient_conflict"
	CodePermissionDenied   Code = "permission_denied"
	CodeInvariantViolation Code = "invariant_violation"
)

// Error is a coded domain error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a domain error with the given code and message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error, preserving the
// chain for errors.Is/As.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.cause
		de = nil
	}
	return false
}

// CodeOf returns the outermost domain code, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a domain code to an HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest, CodeInvalidInput:
		return http.StatusBadRequest
	case CodeInvalidFormat:
		return http.StatusUnprocessableEntity
	case CodeNotFound, CodeUnknownCode, CodeNoCodeYet:
		return http.StatusNotFound
	case CodeConflict, CodeSelfReferral, CodeAlreadyReferred, CodeInvariantViolation:
		return http.StatusConflict
	case CodeUnauthorized, CodePermissionDenied:
		return http.StatusUnauthorized
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable, CodeSpaceExhausted, CodeTransientConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
