// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cyfrerr defines the error taxonomy shared by the tool handlers and
// the MCP transport. Handlers return *Error values; the transport maps the
// error type to a JSON-RPC error code with [JSONRPCCode].
package cyfrerr

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidRequest is returned when the JSON-RPC envelope is malformed
	ErrInvalidRequest = "invalid_request"

	// ErrMethodNotFound is returned when the JSON-RPC method is unknown
	ErrMethodNotFound = "method_not_found"

	// ErrInvalidParams is returned when an argument is missing or has the wrong type
	ErrInvalidParams = "invalid_params"

	// ErrAuthRequired is returned when no credentials were presented
	ErrAuthRequired = "auth_required"

	// ErrAuthInvalid is returned when an API key or token fails validation
	ErrAuthInvalid = "auth_invalid"

	// ErrAuthExpired is returned when a credential has expired
	ErrAuthExpired = "auth_expired"

	// ErrInsufficientPermissions is returned when a scope or IP check denies the request
	ErrInsufficientPermissions = "insufficient_permissions"

	// ErrExecutionFailed is returned when a guest traps or the host fails mid-run
	ErrExecutionFailed = "execution_failed"

	// ErrExecutionTimeout is returned when a run exceeds its wall-clock or fuel budget
	ErrExecutionTimeout = "execution_timeout"

	// ErrComponentNotFound is returned when a component reference cannot be resolved
	ErrComponentNotFound = "component_not_found"

	// ErrSessionRequired is returned for non-initialize calls without a session
	ErrSessionRequired = "session_required"

	// ErrSessionExpired is returned when the presented session ID is unknown or stale
	ErrSessionExpired = "session_expired"

	// ErrAlreadyExists is returned when publishing would overwrite a foreign artifact
	ErrAlreadyExists = "already_exists"

	// ErrPolicyRequired is returned when a catalyst has no usable policy
	ErrPolicyRequired = "policy_required"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// JSON-RPC error codes. The -33xxx range is cyfr-specific; the -32xxx codes
// are the standard JSON-RPC 2.0 ones.
const (
	CodeInvalidRequest          = -32600
	CodeMethodNotFound          = -32601
	CodeInvalidParams           = -32602
	CodeInternal                = -32603
	CodeAuthRequired            = -33001
	CodeAuthInvalid             = -33002
	CodeAuthExpired             = -33003
	CodeInsufficientPermissions = -33004
	CodeExecutionFailed         = -33100
	CodeExecutionTimeout        = -33101
	CodeComponentNotFound       = -33200
	CodeSessionRequired         = -33301
	CodeSessionExpired          = -33302
)

var codeTable = map[string]int{
	ErrInvalidRequest:          CodeInvalidRequest,
	ErrMethodNotFound:          CodeMethodNotFound,
	ErrInvalidParams:           CodeInvalidParams,
	ErrAuthRequired:            CodeAuthRequired,
	ErrAuthInvalid:             CodeAuthInvalid,
	ErrAuthExpired:             CodeAuthExpired,
	ErrInsufficientPermissions: CodeInsufficientPermissions,
	ErrExecutionFailed:         CodeExecutionFailed,
	ErrExecutionTimeout:        CodeExecutionTimeout,
	ErrComponentNotFound:       CodeComponentNotFound,
	ErrSessionRequired:         CodeSessionRequired,
	ErrSessionExpired:          CodeSessionExpired,
	ErrPolicyRequired:          CodeExecutionFailed,
	ErrInternal:                CodeInternal,
}

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidRequestError creates a new invalid request error
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(ErrInvalidRequest, message, cause)
}

// NewMethodNotFoundError creates a new method not found error
func NewMethodNotFoundError(message string, cause error) *Error {
	return NewError(ErrMethodNotFound, message, cause)
}

// NewInvalidParamsError creates a new invalid params error
func NewInvalidParamsError(message string, cause error) *Error {
	return NewError(ErrInvalidParams, message, cause)
}

// NewAuthRequiredError creates a new auth required error
func NewAuthRequiredError(message string, cause error) *Error {
	return NewError(ErrAuthRequired, message, cause)
}

// NewAuthInvalidError creates a new auth invalid error
func NewAuthInvalidError(message string, cause error) *Error {
	return NewError(ErrAuthInvalid, message, cause)
}

// NewAuthExpiredError creates a new auth expired error
func NewAuthExpiredError(message string, cause error) *Error {
	return NewError(ErrAuthExpired, message, cause)
}

// NewInsufficientPermissionsError creates a new insufficient permissions error
func NewInsufficientPermissionsError(message string, cause error) *Error {
	return NewError(ErrInsufficientPermissions, message, cause)
}

// NewExecutionFailedError creates a new execution failed error
func NewExecutionFailedError(message string, cause error) *Error {
	return NewError(ErrExecutionFailed, message, cause)
}

// NewExecutionTimeoutError creates a new execution timeout error
func NewExecutionTimeoutError(message string, cause error) *Error {
	return NewError(ErrExecutionTimeout, message, cause)
}

// NewComponentNotFoundError creates a new component not found error
func NewComponentNotFoundError(message string, cause error) *Error {
	return NewError(ErrComponentNotFound, message, cause)
}

// NewSessionRequiredError creates a new session required error
func NewSessionRequiredError(message string, cause error) *Error {
	return NewError(ErrSessionRequired, message, cause)
}

// NewSessionExpiredError creates a new session expired error
func NewSessionExpiredError(message string, cause error) *Error {
	return NewError(ErrSessionExpired, message, cause)
}

// NewAlreadyExistsError creates a new already exists error
func NewAlreadyExistsError(message string, cause error) *Error {
	return NewError(ErrAlreadyExists, message, cause)
}

// NewPolicyRequiredError creates a new policy required error
func NewPolicyRequiredError(message string, cause error) *Error {
	return NewError(ErrPolicyRequired, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// IsAuthRequired checks if the error is an auth required error
func IsAuthRequired(err error) bool {
	return typeOf(err) == ErrAuthRequired
}

// IsAuthInvalid checks if the error is an auth invalid error
func IsAuthInvalid(err error) bool {
	return typeOf(err) == ErrAuthInvalid
}

// IsAuthExpired checks if the error is an auth expired error
func IsAuthExpired(err error) bool {
	return typeOf(err) == ErrAuthExpired
}

// IsInsufficientPermissions checks if the error is an insufficient permissions error
func IsInsufficientPermissions(err error) bool {
	return typeOf(err) == ErrInsufficientPermissions
}

// IsExecutionFailed checks if the error is an execution failed error
func IsExecutionFailed(err error) bool {
	return typeOf(err) == ErrExecutionFailed
}

// IsExecutionTimeout checks if the error is an execution timeout error
func IsExecutionTimeout(err error) bool {
	return typeOf(err) == ErrExecutionTimeout
}

// IsComponentNotFound checks if the error is a component not found error
func IsComponentNotFound(err error) bool {
	return typeOf(err) == ErrComponentNotFound
}

// IsSessionRequired checks if the error is a session required error
func IsSessionRequired(err error) bool {
	return typeOf(err) == ErrSessionRequired
}

// IsSessionExpired checks if the error is a session expired error
func IsSessionExpired(err error) bool {
	return typeOf(err) == ErrSessionExpired
}

// IsAlreadyExists checks if the error is an already exists error
func IsAlreadyExists(err error) bool {
	return typeOf(err) == ErrAlreadyExists
}

// IsPolicyRequired checks if the error is a policy required error
func IsPolicyRequired(err error) bool {
	return typeOf(err) == ErrPolicyRequired
}

// IsInvalidParams checks if the error is an invalid params error
func IsInvalidParams(err error) bool {
	return typeOf(err) == ErrInvalidParams
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return typeOf(err) == ErrInternal
}

// JSONRPCCode returns the JSON-RPC error code for err. Errors that are not
// *Error values, and *Error types without a table entry, map to the internal
// error code.
func JSONRPCCode(err error) int {
	if code, ok := codeTable[typeOf(err)]; ok {
		return code
	}
	return CodeInternal
}

func typeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}
