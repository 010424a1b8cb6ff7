package apierror

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"

	// Pipeline failure taxonomy. Transient errors are retried with backoff;
	// terminal errors are never retried; exhausted means no resource (bot,
	// quota) was available and the work re-queues; inconclusive results are
	// held for review rather than collapsed into success or failure.
	ErrTransient    ErrorCode = "TRANSIENT"
	ErrTerminal     ErrorCode = "TERMINAL"
	ErrExhausted    ErrorCode = "EXHAUSTED"
	ErrInconclusive ErrorCode = "INCONCLUSIVE"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Retryable reports whether the pipeline may retry the failed operation.
// Terminal and invalid-input failures never are; exhaustion is not an error
// but a backlog state, so the caller re-queues rather than retries.
func Retryable(err error) bool {
	apiErr, ok := err.(APIError)
	if !ok {
		return true
	}
	switch apiErr.Code {
	case ErrTerminal, ErrInvalidInput, ErrNotFound, ErrConflict:
		return false
	}
	return true
}

// Code extracts the error code, defaulting to internal for plain errors.
func Code(err error) ErrorCode {
	if apiErr, ok := err.(APIError); ok {
		return apiErr.Code
	}
	return ErrInternalServer
}

func MapErrorToHTTPStatus(err error) int {
	if apiErr, ok := err.(APIError); ok {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest:
			return http.StatusBadRequest
		case ErrTerminal:
			return http.StatusUnprocessableEntity
		case ErrExhausted:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
