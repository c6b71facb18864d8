package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
// The prefix of a code determines its Kind and HTTP status.
type ErrorCode string

// Complete error code constants.
// All handlers and workers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidTimezone ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationInvalidBirthday ErrorCode = "validation_invalid_birthday"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidField    ErrorCode = "validation_invalid_field"
	ErrCodeValidationInvalidJSON     ErrorCode = "validation_invalid_json"
	ErrCodeValidationEmptyPatch      ErrorCode = "validation_empty_patch"
	ErrCodeValidationInvalidMessage  ErrorCode = "validation_invalid_message"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Not Found (404)
	ErrCodeNotFoundUser     ErrorCode = "not_found_user"
	ErrCodeNotFoundDelivery ErrorCode = "not_found_delivery"

	// Conflict (409)
	ErrCodeConflictUserExists     ErrorCode = "conflict_user_exists"
	ErrCodeConflictDeliveryExists ErrorCode = "conflict_delivery_exists"
	ErrCodeConflictDeliveryState  ErrorCode = "conflict_delivery_state"
	ErrCodeConflictJobLocked      ErrorCode = "conflict_job_locked"

	// Delivery (502)
	ErrCodeDeliveryWebhookFailed     ErrorCode = "delivery_webhook_failed"
	ErrCodeDeliveryWebhookTimeout    ErrorCode = "delivery_webhook_timeout"
	ErrCodeDeliveryCircuitOpen       ErrorCode = "delivery_circuit_open"
	ErrCodeDeliveryAttemptsExhausted ErrorCode = "delivery_attempts_exhausted"

	// Infrastructure (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalQueue      ErrorCode = "internal_queue_error"
	ErrCodeInternalStorage    ErrorCode = "internal_storage_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// Kind is the coarse error taxonomy callers branch on.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindTransientDelivery Kind = "transient_delivery"
	KindInfrastructure    Kind = "infrastructure"
)

// Kind classifies the code by prefix. Unknown codes are infrastructure.
func (c ErrorCode) Kind() Kind {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return KindValidation
	case strings.HasPrefix(s, "auth_"):
		return KindAuth
	case strings.HasPrefix(s, "not_found_"):
		return KindNotFound
	case strings.HasPrefix(s, "conflict_"):
		return KindConflict
	case strings.HasPrefix(s, "delivery_"):
		return KindTransientDelivery
	default:
		return KindInfrastructure
	}
}

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	switch c.Kind() {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransientDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type.
// All domain, repository and handler errors should be expressed as AppError
// so that callers can branch on Kind instead of matching message strings.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Kind returns the taxonomy bucket of this error.
func (e *AppError) Kind() Kind {
	return e.Code.Kind()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// KindOf returns the Kind of the first AppError in err's chain.
// Errors that carry no AppError are infrastructure failures.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind()
	}
	return KindInfrastructure
}

// IsKind reports whether err is non-nil and classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HasCode reports whether err's chain contains an AppError with code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsTerminalDelivery reports whether err means no further automatic
// delivery attempt will be made for the occurrence.
func IsTerminalDelivery(err error) bool {
	return HasCode(err, ErrCodeDeliveryAttemptsExhausted)
}

// AttemptsExhausted builds the terminal delivery error for key.
func AttemptsExhausted(key string, attempts int, cause error) *AppError {
	return NewAppErrorWithDetails(ErrCodeDeliveryAttemptsExhausted,
		"maximum delivery attempts reached", cause,
		map[string]any{"key": key, "attempts": attempts})
}
