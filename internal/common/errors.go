package common

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound      = errors.New("resource not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInternal      = errors.New("internal error")
	ErrDatabase      = errors.New("database error")
	ErrValidation    = errors.New("validation failed")
	ErrDuplicate     = errors.New("duplicate content")
	ErrTransient     = errors.New("transient failure")
	ErrPermanent     = errors.New("permanent failure")
	ErrLeaseConflict = errors.New("lease token mismatch")
	ErrInvalidState  = errors.New("invalid state")
)

// Error codes carried by AppError.Code.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeInvalidState  = "INVALID_STATE"
	CodeTransient     = "TRANSIENT"
	CodePermanent     = "PERMANENT"
	CodeLeaseConflict = "LEASE_CONFLICT"
	CodeDatabase      = "DATABASE_ERROR"
	CodeStorage       = "STORAGE_ERROR"
	CodeConfig        = "CONFIG_ERROR"
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewValidationError(message string) *AppError {
	return NewAppError(CodeValidation, message, ErrValidation)
}

func NewNotFoundError(message string) *AppError {
	return NewAppError(CodeNotFound, message, ErrNotFound)
}

func NewInvalidStateError(message string) *AppError {
	return NewAppError(CodeInvalidState, message, ErrInvalidState)
}

// NewTransientError marks cause as retryable while keeping it in the chain.
func NewTransientError(message string, cause error) *AppError {
	return NewAppError(CodeTransient, message, joinCause(ErrTransient, cause))
}

// NewPermanentError marks cause as terminal for the current job.
func NewPermanentError(message string, cause error) *AppError {
	return NewAppError(CodePermanent, message, joinCause(ErrPermanent, cause))
}

func NewDatabaseError(message string, cause error) *AppError {
	return NewAppError(CodeDatabase, message, joinCause(ErrDatabase, cause))
}

func joinCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

func IsLeaseConflict(err error) bool { return errors.Is(err, ErrLeaseConflict) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// CodeOf maps an error chain onto a gRPC status code.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return s.Code()
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput):
		return codes.InvalidArgument
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrInvalidState):
		return codes.FailedPrecondition
	case errors.Is(err, ErrLeaseConflict), errors.Is(err, ErrDuplicate):
		return codes.Aborted
	case errors.Is(err, ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, ErrTransient):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
