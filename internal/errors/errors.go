// Package errors provides the categorized error taxonomy shared by jobs,
// the checkout ledger, the scanner channel and the HTTP API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryConfiguration represents configuration bugs (cyclic job
	// dependencies, missing options). Never retried.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryTransient represents DB or network hiccups
	CategoryTransient ErrorCategory = "transient"
	// CategoryLease represents lease/consistency problems on a single record
	CategoryLease ErrorCategory = "lease"
	// CategoryTimeout represents command correlation and job abort timeouts
	CategoryTimeout ErrorCategory = "timeout"
	// CategoryConcurrency represents single-flight rejections
	CategoryConcurrency ErrorCategory = "concurrency"
	// CategorySystem represents unexpected internal errors
	CategorySystem ErrorCategory = "system"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
)

// Error codes
const (
	CodeCyclicInvocation = "CYCLIC_INVOCATION"
	CodeAlreadyRunning   = "ALREADY_RUNNING"
	CodeJobAborted       = "JOB_ABORTED"
	CodeMissingOption    = "MISSING_OPTION"
	CodeCommandTimeout   = "COMMAND_TIMEOUT"
	CodeLease            = "LEASE_ERROR"
	CodeDatabase         = "DATABASE_ERROR"
	CodeNetwork          = "NETWORK_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeInvalidParameter = "INVALID_PARAMETER"
	CodeConflict         = "CONFLICT"
	CodeInternal         = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Matching is by code, so any CategorizedError
// carrying the same code satisfies errors.Is against these values.
var (
	ErrCyclicInvocation = &CategorizedError{Code: CodeCyclicInvocation}
	ErrAlreadyRunning   = &CategorizedError{Code: CodeAlreadyRunning}
	ErrJobAborted       = &CategorizedError{Code: CodeJobAborted}
	ErrMissingOption    = &CategorizedError{Code: CodeMissingOption}
	ErrCommandTimeout   = &CategorizedError{Code: CodeCommandTimeout}
	ErrNotFound         = &CategorizedError{Code: CodeNotFound}
	ErrUnauthorized     = &CategorizedError{Code: CodeUnauthorized}
	ErrForbidden        = &CategorizedError{Code: CodeForbidden}
	ErrConflict         = &CategorizedError{Code: CodeConflict}
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CategorizedError with the same code.
func (e *CategorizedError) Is(target error) bool {
	var t *CategorizedError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Configuration errors

// NewCyclicInvocationError reports a job invoking itself through its parent chain.
func NewCyclicInvocationError(job string, chain []string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConfiguration,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCyclicInvocation,
		Message:    fmt.Sprintf("job %s invoked cyclically: %s", job, strings.Join(chain, " -> ")),
		Details: map[string]interface{}{
			"job":   job,
			"chain": chain,
		},
	}
}

// NewMissingOptionError reports a required option that is not set.
func NewMissingOptionError(option string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConfiguration,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeMissingOption,
		Message:    fmt.Sprintf("missing required option: %s", option),
		Details: map[string]interface{}{
			"option": option,
		},
	}
}

// Concurrency / timeout errors

// NewAlreadyRunningError rejects a redundant top-level trigger.
func NewAlreadyRunningError(job string, attempts int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConcurrency,
		StatusCode: http.StatusConflict,
		Code:       CodeAlreadyRunning,
		Message:    fmt.Sprintf("job %s is already running", job),
		Details: map[string]interface{}{
			"job":      job,
			"attempts": attempts,
		},
	}
}

// NewJobAbortedError reports a run cancelled through its abort scope.
func NewJobAbortedError(job string, reason error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTimeout,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeJobAborted,
		Message:    fmt.Sprintf("job %s aborted", job),
		Cause:      reason,
		Details: map[string]interface{}{
			"job": job,
		},
	}
}

// NewCommandTimeoutError reports a channel command that got no response in time.
func NewCommandTimeoutError(command, correlationID string, timeout time.Duration) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTimeout,
		StatusCode: http.StatusGatewayTimeout,
		Code:       CodeCommandTimeout,
		Message:    fmt.Sprintf("command %s timed out after %s", command, timeout),
		Details: map[string]interface{}{
			"command":       command,
			"correlationId": correlationID,
			"timeout":       timeout.String(),
		},
	}
}

// Lease and transient errors

// NewLeaseError reports a per-record consistency problem. Callers log it
// and skip the record.
func NewLeaseError(itemID string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLease,
		StatusCode: http.StatusConflict,
		Code:       CodeLease,
		Message:    fmt.Sprintf("lease error for item %s: %s", itemID, reason),
		Details: map[string]interface{}{
			"item":   itemID,
			"reason": reason,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewNetworkError reports a failed call to an outbound HTTP collaborator.
func NewNetworkError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusBadGateway,
		Code:       CodeNetwork,
		Message:    fmt.Sprintf("network error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// API-facing errors

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewForbiddenError creates a forbidden error
func NewForbiddenError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeForbidden,
		Message:    message,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeConflict,
		Message:    message,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil && catErr.StatusCode != 0 {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable. Configuration errors
// and lease errors are never retried.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryTransient, CategoryTimeout:
		return true
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	code := GetHTTPStatusCode(err)
	return code >= 400 && code < 500
}

// Lookup is the result of a lookup that may legitimately find nothing.
// Context carries the fields a caller needs to report the miss.
type Lookup[T any] struct {
	Value   T
	Found   bool
	Context map[string]interface{}
}

// Found wraps a successful lookup.
func Found[T any](v T) Lookup[T] {
	return Lookup[T]{Value: v, Found: true}
}

// NotFound wraps a miss together with its reporting context.
func NotFound[T any](context map[string]interface{}) Lookup[T] {
	return Lookup[T]{Context: context}
}
