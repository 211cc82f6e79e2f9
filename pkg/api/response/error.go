package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/goclaw/memlayer/pkg/memory"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id"`
}

// Common error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeBadGateway         = "BAD_GATEWAY"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// Operation distinguishes reads of a single key from everything else, since a
// missing key is a 404 on lookup but a bad request on write.
type Operation int

const (
	OpWrite Operation = iota
	OpLookup
)

// HTTPStatusFromError maps memory error kinds to HTTP status codes.
func HTTPStatusFromError(err error, op Operation) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch memory.Kind(err) {
	case memory.KindKey:
		if op == OpLookup {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case memory.KindType:
		return http.StatusConflict
	case memory.KindQuery:
		return http.StatusBadRequest
	case memory.KindNotInitialized:
		return http.StatusServiceUnavailable
	case memory.KindStorage, memory.KindInit, memory.KindCleanup:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromStatus returns an error code for the given HTTP status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusTooManyRequests:
		return ErrCodeTooManyRequests
	case http.StatusBadGateway:
		return ErrCodeBadGateway
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalServer
	}
}

// HandleError writes the response matching err's kind. The error kind is
// included as a detail so clients can branch without parsing messages.
func HandleError(w http.ResponseWriter, err error, op Operation, requestID string) {
	status := HTTPStatusFromError(err, op)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	ErrorWithDetails(w, status, ErrorCodeFromStatus(status), message, map[string]interface{}{
		"kind": memory.Kind(err).String(),
	}, requestID)
}
