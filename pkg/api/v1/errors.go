package v1

import "net/http"

// ErrorType classifies API failures so clients can branch without parsing
// messages
type ErrorType string

const (
	ErrorInsufficientPermissions ErrorType = "insufficient_permissions"
	ErrorServiceUnavailable      ErrorType = "service_unavailable"
	ErrorRateLimited             ErrorType = "rate_limited"
	ErrorValidation              ErrorType = "validation_error"
	ErrorIntegrityFailure        ErrorType = "integrity_failure"
	ErrorInternal                ErrorType = "internal_error"
)

// HTTPStatus maps the error type to its response status code
func (t ErrorType) HTTPStatus() int {
	switch t {
	case ErrorInsufficientPermissions:
		return http.StatusForbidden
	case ErrorServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrorRateLimited:
		return http.StatusTooManyRequests
	case ErrorValidation:
		return http.StatusBadRequest
	case ErrorIntegrityFailure:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is the uniform error envelope returned by every endpoint
type Error struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RetryAfter int                    `json:"retry_after_seconds,omitempty"`
}

// NewError builds an error envelope
func NewError(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Error implements the error interface
func (e *Error) Error() string {
	return string(e.Type) + ": " + e.Message
}
