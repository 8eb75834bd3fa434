package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrNetwork            = errors.New("network failure")
	ErrRejected           = errors.New("purchase rejected")
	ErrBillingUnavailable = errors.New("billing unavailable")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrDisposed           = errors.New("resolver disposed")
	ErrInternalError      = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeRejected   ErrorType = "rejected"
	ErrorTypeBilling    ErrorType = "billing"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeDisposed   ErrorType = "disposed"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeInternal   ErrorType = "internal"
)

// SubscriptionError is a structured error for entitlement operations.
type SubscriptionError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "verify_purchase", "status")
	Token      string // Log-safe purchase token suffix, if applicable
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *SubscriptionError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Token, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *SubscriptionError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNetwork:
		return e.Type == ErrorTypeNetwork
	case ErrRejected:
		return e.Type == ErrorTypeRejected
	case ErrBillingUnavailable:
		return e.Type == ErrorTypeBilling
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrInvalidInput:
		if e.Type == ErrorTypeValidation {
			return true
		}
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrConflict:
		return e.Type == ErrorTypeConflict
	case ErrDisposed:
		return e.Type == ErrorTypeDisposed
	}

	return errors.Is(e.Err, target)
}

// New creates a new SubscriptionError
func New(errorType ErrorType, op string, err error) *SubscriptionError {
	return &SubscriptionError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithToken attaches a log-safe token suffix
func (e *SubscriptionError) WithToken(suffix string) *SubscriptionError {
	e.Token = suffix
	return e
}

// WithStatusCode adds HTTP status code to the error
func (e *SubscriptionError) WithStatusCode(code int) *SubscriptionError {
	e.StatusCode = code
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeBilling:
		return true
	case ErrorTypeRejected, ErrorTypeAuth, ErrorTypeValidation, ErrorTypeNotFound,
		ErrorTypeConflict, ErrorTypeDisposed:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrRejected)
		}
		return true
	}
}

// Helper functions

// WrapNetworkError wraps a transport failure
func WrapNetworkError(op string, err error) error {
	return New(ErrorTypeNetwork, op, err)
}

// WrapAPIError wraps a non-2xx response
func WrapAPIError(op string, err error, statusCode int) error {
	t := ErrorTypeAPI
	switch {
	case statusCode == http.StatusUnauthorized:
		t = ErrorTypeAuth
	case statusCode == http.StatusNotFound:
		t = ErrorTypeNotFound
	case statusCode == http.StatusConflict:
		t = ErrorTypeConflict
	}
	return New(t, op, err).WithStatusCode(statusCode)
}

// Rejected builds the definitive rejection error for a purchase token
func Rejected(op, tokenSuffix, reason string) error {
	return New(ErrorTypeRejected, op, errors.New(reason)).WithToken(tokenSuffix)
}

// BillingUnavailable is returned when a purchase action needs a Ready
// billing channel and there is none
func BillingUnavailable(op string, state string) error {
	return New(ErrorTypeBilling, op, fmt.Errorf("billing channel is %s", state))
}

// Invalid wraps a validation failure
func Invalid(op string, format string, args ...any) error {
	return New(ErrorTypeValidation, op, fmt.Errorf(format, args...))
}

// Disposed is returned by operations on a closed resolver
func Disposed(op string) error {
	return New(ErrorTypeDisposed, op, ErrDisposed)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var subErr *SubscriptionError
	if errors.As(err, &subErr) {
		return subErr.Retryable
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrBillingUnavailable)
}

// IsRejection reports whether err is a definitive refusal of a purchase.
func IsRejection(err error) bool {
	return err != nil && errors.Is(err, ErrRejected)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var subErr *SubscriptionError
	if errors.As(err, &subErr) {
		if subErr.Type == ErrorTypeAuth {
			return true
		}
		if subErr.StatusCode == http.StatusUnauthorized || subErr.StatusCode == http.StatusForbidden {
			return true
		}
	}
	return errors.Is(err, ErrUnauthorized)
}

// HTTPStatus maps an error to the status code a handler should return.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrRejected):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrBillingUnavailable), errors.Is(err, ErrDisposed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
