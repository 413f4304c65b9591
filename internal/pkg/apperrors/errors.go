package apperrors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrValidation        ErrorType = "VALIDATION_REJECT"
	ErrDuplicate         ErrorType = "DUPLICATE"
	ErrConflict          ErrorType = "EQUIVOCATION_CONFLICT"
	ErrLedgerUnavailable ErrorType = "LEDGER_UNAVAILABLE"
	ErrLedgerRejected    ErrorType = "LEDGER_REJECTED"
	ErrAuthFailed        ErrorType = "AUTH_FAILED"
	ErrInvalidRequest    ErrorType = "INVALID_REQUEST"
	ErrNotFound          ErrorType = "NOT_FOUND"
	ErrRateLimited       ErrorType = "RATE_LIMITED"
	ErrInternal          ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"error"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewValidation(msg string) *AppError {
	return New(ErrValidation, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrValidation, ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrDuplicate, ErrConflict:
		return http.StatusConflict
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrLedgerUnavailable:
		return http.StatusServiceUnavailable
	case ErrLedgerRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrValidation:
		return "Check the intent signature, fields, and deadline."
	case ErrConflict:
		return "The nonce is under equivocation dispute; do not resubmit."
	case ErrLedgerUnavailable:
		return "The ledger is unreachable; the relayer will retry."
	case ErrLedgerRejected:
		return "The ledger rejected the instruction; operator review required."
	case ErrAuthFailed:
		return "Check gateway credentials."
	default:
		return ""
	}
}
