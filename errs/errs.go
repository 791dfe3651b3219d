// Package errs defines the tagged error kinds used across the affiliate
// engine. Callers branch on Kind rather than on concrete error types, and
// the HTTP layer maps kinds to status codes in one place.
package errs

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindAuthorization       Kind = "AUTHORIZATION_ERROR"
	KindNotFound            Kind = "NOT_FOUND"
	KindStateConflict       Kind = "STATE_CONFLICT"
	KindAccessDenied        Kind = "ACCESS_DENIED"
	KindProvider            Kind = "PROVIDER_ERROR"
	KindSignature           Kind = "SIGNATURE_ERROR"
	KindGenerationExhausted Kind = "GENERATION_EXHAUSTED"
	KindUnsupportedProvider Kind = "UNSUPPORTED_PROVIDER"
	KindNotImplemented      Kind = "NOT_IMPLEMENTED"
)

// Error carries a kind plus whatever context that kind needs. Provider
// errors keep the upstream status and body for observability; access-denied
// errors carry a remediation hint the caller can surface verbatim.
type Error struct {
	Kind        Kind   `json:"kind"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	Body        string `json:"body,omitempty"`
	Timeout     bool   `json:"timeout,omitempty"`
	Err         error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Authorization(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func StateConflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}

func AccessDenied(message, remediation string) *Error {
	return &Error{Kind: KindAccessDenied, Message: message, Remediation: remediation}
}

// Provider wraps a downstream payout-rail failure with its original HTTP
// status and response body attached.
func Provider(message string, statusCode int, body string, cause error) *Error {
	return &Error{Kind: KindProvider, Message: message, StatusCode: statusCode, Body: body, Err: cause}
}

// ProviderTimeout marks an outcome that is unknown rather than failed: the
// call may or may not have been applied by the rail, so the caller must
// reconcile via a status poll or webhook instead of retrying blindly.
func ProviderTimeout(message string, cause error) *Error {
	return &Error{Kind: KindProvider, Message: message, Timeout: true, Err: cause}
}

func Signature(message string) *Error {
	return &Error{Kind: KindSignature, Message: message}
}

func GenerationExhausted(attempts int) *Error {
	return &Error{Kind: KindGenerationExhausted, Message: fmt.Sprintf("unable to generate a unique affiliate code after %d attempts", attempts)}
}

func UnsupportedProvider(name string) *Error {
	return &Error{Kind: KindUnsupportedProvider, Message: fmt.Sprintf("unsupported payment provider: %q", name)}
}

func NotImplemented(name string) *Error {
	return &Error{Kind: KindNotImplemented, Message: fmt.Sprintf("payment provider %q is recognized but not integrated yet", name)}
}

// KindOf returns the kind of err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTimeout reports whether err is a provider error whose outcome is
// unknown (transport timeout), as opposed to a confirmed failure.
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Timeout
	}
	return false
}

// HTTPStatus maps an error to the status code the admin surface returns for
// it. Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindUnsupportedProvider:
		return fiber.StatusBadRequest
	case KindAuthorization:
		return fiber.StatusUnauthorized
	case KindSignature:
		return fiber.StatusUnauthorized
	case KindAccessDenied:
		return fiber.StatusForbidden
	case KindNotFound:
		return fiber.StatusNotFound
	case KindStateConflict:
		return fiber.StatusConflict
	case KindProvider:
		return fiber.StatusBadGateway
	case KindNotImplemented:
		return fiber.StatusNotImplemented
	case KindGenerationExhausted:
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusInternalServerError
	}
}
