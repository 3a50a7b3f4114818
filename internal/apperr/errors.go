// Package apperr defines the stable error codes surfaced to API callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	MissingCredential          Code = "MISSING_CREDENTIAL"
	InvalidCredentialFormat    Code = "INVALID_CREDENTIAL_FORMAT"
	InvalidOrExpiredCredential Code = "INVALID_OR_EXPIRED_CREDENTIAL"
	InsufficientScope          Code = "INSUFFICIENT_SCOPE"
	RateLimitExceeded          Code = "RATE_LIMIT_EXCEEDED"
	TierForbidden              Code = "TIER_FORBIDDEN"
	QuotaExceeded              Code = "QUOTA_EXCEEDED"
	WebhookURLInvalid          Code = "WEBHOOK_URL_INVALID"
	StorageUnavailable         Code = "STORAGE_UNAVAILABLE"
	DeliveryFailed             Code = "DELIVERY_FAILED"
	UpstreamUnavailable        Code = "UPSTREAM_UNAVAILABLE"
	InvalidExpiry              Code = "INVALID_EXPIRY"
	NotFound                   Code = "NOT_FOUND"
	Forbidden                  Code = "FORBIDDEN"
	ValidationFailed           Code = "VALIDATION_FAILED"
	Internal                   Code = "INTERNAL_ERROR"
)

type codeInfo struct {
	status      int
	suggestions []string
}

var catalog = map[Code]codeInfo{
	MissingCredential: {http.StatusUnauthorized, []string{
		"Send the key as 'Authorization: Bearer <key>' or 'X-API-Key: <key>'.",
	}},
	InvalidCredentialFormat: {http.StatusUnauthorized, []string{
		"API keys start with 'iot_' followed by 32 letters or digits.",
		"Check that the key was copied without surrounding whitespace.",
	}},
	InvalidOrExpiredCredential: {http.StatusUnauthorized, []string{
		"The key may have been revoked, rotated or may have expired.",
		"Issue a new key from an account with API access.",
	}},
	InsufficientScope: {http.StatusForbidden, []string{
		"Issue a key that includes the required scopes.",
		"Some scopes are only available on higher subscription tiers.",
	}},
	RateLimitExceeded: {http.StatusTooManyRequests, []string{
		"Wait for the number of seconds in the Retry-After header.",
		"Upgrade your subscription tier for a higher hourly quota.",
	}},
	TierForbidden: {http.StatusForbidden, []string{
		"Your subscription tier does not include this feature. Upgrade to enable it.",
	}},
	QuotaExceeded: {http.StatusConflict, []string{
		"Revoke or delete unused resources, or upgrade your subscription tier.",
	}},
	WebhookURLInvalid: {http.StatusBadRequest, []string{
		"Webhook URLs must use https:// and a publicly reachable host.",
	}},
	StorageUnavailable: {http.StatusServiceUnavailable, []string{
		"Retry the request shortly.",
	}},
	DeliveryFailed: {http.StatusBadGateway, []string{
		"Check that the endpoint is reachable and responds with a 2xx status within 30 seconds.",
	}},
	UpstreamUnavailable: {http.StatusBadGateway, []string{
		"The analytics service did not respond. Retry the request shortly.",
	}},
	InvalidExpiry: {http.StatusBadRequest, []string{
		"expires_at must be a timestamp in the future.",
	}},
	NotFound:         {http.StatusNotFound, nil},
	Forbidden:        {http.StatusForbidden, nil},
	ValidationFailed: {http.StatusBadRequest, nil},
	Internal:         {http.StatusInternalServerError, nil},
}

// Error is a domain error with a stable code, HTTP status and remediation hints.
type Error struct {
	Code        Code
	Message     string
	Details     map[string]any
	Suggestions []string
	cause       error
}

// New creates an Error with the default suggestions for code.
func New(code Code, message string) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Suggestions: catalog[code].suggestions,
	}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error that carries cause for logging. The cause is never
// rendered to callers.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithDetails returns e with the given details attached.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error's code.
func (e *Error) Status() int {
	if info, ok := catalog[e.Code]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
