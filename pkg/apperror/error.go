package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an application error carrying its HTTP status and a stable code.
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
	Internal   error
	Details    map[string]any
}

func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Internal
}

// Is matches on code so that copies made by the With* helpers still
// compare equal to their sentinel under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.HTTPStatus == t.HTTPStatus
}

// WithInternal returns a copy of the error with an internal error attached.
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   err,
		Details:    e.Details,
	}
}

// WithMessage returns a copy of the error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    message,
		Internal:   e.Internal,
		Details:    e.Details,
	}
}

// WithDetails returns a copy of the error with details attached.
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   e.Internal,
		Details:    details,
	}
}

func New(status int, code, message string) *Error {
	return &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    message,
	}
}

var (
	// Authentication
	ErrUnauthorized = New(http.StatusUnauthorized, "unauthorized", "Authentication required")
	ErrInvalidToken = New(http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
	ErrMissingToken = New(http.StatusUnauthorized, "missing_token", "Missing authorization token")

	// Authorization
	ErrForbidden = New(http.StatusForbidden, "forbidden", "Access denied")

	// Resources
	ErrNotFound        = New(http.StatusNotFound, "not_found", "Resource not found")
	ErrAccountNotFound = New(http.StatusNotFound, "account_not_found", "Billing account not found")
	ErrConflict        = New(http.StatusConflict, "conflict", "Resource already exists")

	// Validation
	ErrBadRequest = New(http.StatusBadRequest, "bad_request", "Invalid request")
	ErrValidation = New(http.StatusUnprocessableEntity, "validation_error", "Validation failed")

	// Billing
	ErrInsufficientCredits = New(http.StatusPaymentRequired, "insufficient_credits", "Insufficient credits")
	ErrInvalidSignature    = New(http.StatusBadRequest, "invalid_signature", "Webhook signature verification failed")
	ErrWebhookInFlight     = New(http.StatusConflict, "webhook_in_flight", "Event is already being processed")
	ErrBillingUnavailable  = New(http.StatusServiceUnavailable, "billing_unavailable", "Billing is not configured")
	ErrReservationClosed   = New(http.StatusConflict, "reservation_closed", "Reservation is no longer held")
	ErrRateLimited         = New(http.StatusTooManyRequests, "rate_limited", "Too many requests")

	// Server
	ErrInternal           = New(http.StatusInternalServerError, "internal_error", "An internal error occurred")
	ErrDatabase           = New(http.StatusInternalServerError, "database_error", "Database operation failed")
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, "service_unavailable", "Service unavailable")
)

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func NewBadRequest(message string) *Error {
	return ErrBadRequest.WithMessage(message)
}

func NewNotFound(resourceType, id string) *Error {
	return ErrNotFound.WithMessage(fmt.Sprintf("%s '%s' not found", resourceType, id))
}

func NewInternal(message string, err error) *Error {
	return &Error{
		HTTPStatus: http.StatusInternalServerError,
		Code:       "internal_error",
		Message:    message,
		Internal:   err,
	}
}
