package services

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Stable machine-readable failure codes returned to callers.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeLimitExceeded       = "LIMIT_EXCEEDED"
	CodePinNotSet           = "PIN_NOT_SET"
	CodePinInvalid          = "PIN_INVALID"
	CodePinLocked           = "PIN_LOCKED"
	CodeConflict            = "CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeGatewayFailure      = "GATEWAY_FAILURE"
	CodeInternal            = "INTERNAL"
)

// AppError is a typed operation failure. Every failure crossing the service
// boundary carries a stable code, a human-readable message and, where the
// caller can self-correct, the amounts involved.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func ErrValidation(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message, Status: http.StatusBadRequest}
}

func ErrInsufficientBalance(shortfall int64) *AppError {
	return &AppError{
		Code:    CodeInsufficientBalance,
		Message: "insufficient balance",
		Status:  http.StatusUnprocessableEntity,
		Details: map[string]any{"shortfall": shortfall},
	}
}

func ErrLimitExceeded(kind string, available int64) *AppError {
	return &AppError{
		Code:    CodeLimitExceeded,
		Message: fmt.Sprintf("daily %s limit exceeded", kind),
		Status:  http.StatusUnprocessableEntity,
		Details: map[string]any{"available": available},
	}
}

func ErrPinNotSet() *AppError {
	return &AppError{Code: CodePinNotSet, Message: "transaction PIN not set", Status: http.StatusPreconditionFailed}
}

func ErrPinInvalid(attemptsLeft int) *AppError {
	return &AppError{
		Code:    CodePinInvalid,
		Message: "invalid PIN",
		Status:  http.StatusUnauthorized,
		Details: map[string]any{"attempts_left": attemptsLeft},
	}
}

func ErrPinLocked(retryAfter time.Duration) *AppError {
	return &AppError{
		Code:    CodePinLocked,
		Message: "PIN verification locked",
		Status:  http.StatusLocked,
		Details: map[string]any{"retry_after_seconds": int(retryAfter.Seconds())},
	}
}

func ErrConflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, Status: http.StatusConflict}
}

func ErrNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message, Status: http.StatusNotFound}
}

func ErrGatewayFailure(message string) *AppError {
	return &AppError{Code: CodeGatewayFailure, Message: message, Status: http.StatusBadGateway}
}

func ErrInternal() *AppError {
	return &AppError{Code: CodeInternal, Message: "an internal error occurred", Status: http.StatusInternalServerError}
}

// AsAppError unwraps err into an AppError if it carries one.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
