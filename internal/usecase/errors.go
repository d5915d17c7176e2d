package usecase

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrorInvalidQuestion      ErrorCode = "INVALID_QUESTION"
	ErrorRateLimited          ErrorCode = "RATE_LIMITED"
	ErrorUpstream             ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal             ErrorCode = "INTERNAL_ERROR"
	ErrorDependencyTimeout    ErrorCode = "DEPENDENCY_TIMEOUT"
	ErrorExtractionParse      ErrorCode = "EXTRACTION_PARSE"
	ErrorIntentClassification ErrorCode = "INTENT_CLASSIFICATION"
	ErrorIllegalState         ErrorCode = "ILLEGAL_STATE"
	ErrorStorageUnavailable   ErrorCode = "STORAGE_UNAVAILABLE"
	ErrorNotFound             ErrorCode = "NOT_FOUND"
	ErrorConflict             ErrorCode = "CONFLICT"
	ErrorUnauthorized         ErrorCode = "UNAUTHORIZED"
	ErrorForbidden            ErrorCode = "FORBIDDEN"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of a usecase error, or ErrorInternal for anything else.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}

// StatusCode maps an error to the HTTP status and code reported to clients.
func StatusCode(err error) (int, ErrorCode) {
	code := CodeOf(err)
	switch code {
	case ErrorInvalidInput, ErrorInvalidQuestion, ErrorExtractionParse:
		return http.StatusBadRequest, code
	case ErrorUnauthorized:
		return http.StatusUnauthorized, code
	case ErrorForbidden:
		return http.StatusForbidden, code
	case ErrorNotFound:
		return http.StatusNotFound, code
	case ErrorConflict:
		return http.StatusConflict, code
	case ErrorRateLimited:
		return http.StatusTooManyRequests, code
	case ErrorUpstream:
		return http.StatusBadGateway, code
	case ErrorStorageUnavailable:
		return http.StatusServiceUnavailable, code
	case ErrorDependencyTimeout:
		return http.StatusGatewayTimeout, code
	default:
		return http.StatusInternalServerError, ErrorInternal
	}
}

const (
	apologyTimeout = "Sorry, that took longer than expected on my side. Please try again."
	apologyStorage = "Sorry, I can't reach the booking records right now. Please try again shortly."
	apologyGeneric = "Sorry, something went wrong on my side. Please try again."
	apologyBusy    = "Sorry, I'm handling a lot of requests right now. Please try again in a moment."
)

// Apology is the short user-facing text for a failed turn.
func Apology(err error) string {
	switch CodeOf(err) {
	case ErrorDependencyTimeout:
		return apologyTimeout
	case ErrorStorageUnavailable:
		return apologyStorage
	case ErrorRateLimited:
		return apologyBusy
	default:
		return apologyGeneric
	}
}
