package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

type ErrorKind string

const (
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindNotFound      ErrorKind = "not_found"
	ErrorKindStateConflict ErrorKind = "state_conflict"
	ErrorKindInternal      ErrorKind = "internal"
)

// Stable machine codes returned to operators as {"error": ..., "code": ...}.
const (
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeInvalidProcessType      = "INVALID_PROCESS_TYPE"
	CodeInvalidStatus           = "INVALID_STATUS"
	CodeInvalidId               = "INVALID_ID"
	CodeMissingResolutionAction = "MISSING_RESOLUTION_ACTION"
	CodeInvalidPagination       = "INVALID_PAGINATION"
	CodeInvalidRetention        = "INVALID_RETENTION"
	CodeAbandonedNotFound       = "ABANDONED_PROCESS_NOT_FOUND"
	CodeAlreadyResolved         = "ALREADY_RESOLVED"
	CodeConcurrentUpdate        = "CONCURRENT_UPDATE"
	CodeInternal                = "INTERNAL_ERROR"
	CodeUnauthorized            = "UNAUTHORIZED"
)

type AppError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NewValidationError(code, message string) *AppError {
	return &AppError{Kind: ErrorKindValidation, Code: code, Message: message}
}

func NewNotFoundError(code, message string) *AppError {
	return &AppError{Kind: ErrorKindNotFound, Code: code, Message: message}
}

func NewStateConflictError(code, message string) *AppError {
	return &AppError{Kind: ErrorKindStateConflict, Code: code, Message: message}
}

func NewInternalError(message string, err error) *AppError {
	return &AppError{Kind: ErrorKindInternal, Code: CodeInternal, Message: message, Err: err}
}

// AsAppError unwraps err into an *AppError; anything else becomes an internal error.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError("internal error", err)
}

// HasErrorCode reports whether err carries the given stable code.
func HasErrorCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
