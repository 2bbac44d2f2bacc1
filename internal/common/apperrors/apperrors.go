// Package apperrors provides the error taxonomy used across the orchestrator.
//
// The Run Loop (internal/run/loop) distinguishes a handful of error kinds by
// type, not by string matching: RunCancelled and the two validation kinds are
// never retried and always terminal; everything else is retried per policy.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes, mirrored onto HTTP statuses for the thin API surface.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeBadRequest      = "BAD_REQUEST"
	CodeConflict        = "CONFLICT"
	CodeValidation      = "VALIDATION_ERROR"
	CodeInternal        = "INTERNAL_ERROR"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
	CodeInputValidation = "INPUT_VALIDATION_ERROR"
	CodeOutputValidation = "OUTPUT_VALIDATION_ERROR"
)

// AppError is an application error with a stable code and HTTP mapping.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// NotFound creates a not-found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id), HTTPStatus: http.StatusNotFound}
}

// BadRequest creates a generic bad-request error.
func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Conflict creates a conflict error (e.g. a second pending approval for a run).
func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// Internal wraps an unexpected error as an internal error.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Unavailable marks a dependency (session store, model backend) as down.
func Unavailable(service string) *AppError {
	return &AppError{Code: CodeUnavailable, Message: fmt.Sprintf("%s is unavailable", service), HTTPStatus: http.StatusServiceUnavailable}
}

// InputValidationError is raised by a pre-hook that rejects the run input.
// Per spec it is never retried.
type InputValidationError struct {
	Field   string
	Message string
}

func (e *InputValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("input validation failed for %q: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("input validation failed: %s", e.Message)
}

// OutputValidationError is raised by a post-hook that rejects the run output.
// Per spec it is never retried.
type OutputValidationError struct {
	Field   string
	Message string
}

func (e *OutputValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("output validation failed for %q: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("output validation failed: %s", e.Message)
}

// IsNotFound reports whether err is a not-found AppError.
func IsNotFound(err error) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.Code == CodeNotFound
}

// IsValidation reports whether err is any validation error (request-level or
// run input/output level) that should never be retried.
func IsValidation(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) && (ae.Code == CodeBadRequest || ae.Code == CodeValidation) {
		return true
	}
	var ive *InputValidationError
	if errors.As(err, &ive) {
		return true
	}
	var ove *OutputValidationError
	return errors.As(err, &ove)
}

// HTTPStatus returns the HTTP status for err, defaulting to 500.
func HTTPStatus(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.HTTPStatus
	}
	return http.StatusInternalServerError
}
