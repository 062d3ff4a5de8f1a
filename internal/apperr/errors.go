// Package apperr defines the stable error codes surfaced across the API
// boundary and their HTTP status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeNotFound              Code = "NOT_FOUND"
	CodeAuthFailed            Code = "AUTH_FAILED"
	CodeSessionExpired        Code = "SESSION_EXPIRED"
	CodeSessionKeyInvalid     Code = "SESSION_KEY_INVALID"
	CodeSessionKeyExpired     Code = "SESSION_KEY_EXPIRED"
	CodeSessionKeyRevoked     Code = "SESSION_KEY_REVOKED"
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientLiquidity Code = "INSUFFICIENT_LIQUIDITY"
	CodeStaleState            Code = "STALE_STATE"
	CodeInvalidSignature      Code = "INVALID_SIGNATURE"
	CodeConnectionFailed      Code = "CONNECTION_FAILED"
	CodeTimeout               Code = "TIMEOUT"
	CodeWithdrawalFailed      Code = "WITHDRAWAL_FAILED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeInternal              Code = "INTERNAL_ERROR"
)

var httpStatus = map[Code]int{
	CodeValidation:            http.StatusBadRequest,
	CodeNotFound:              http.StatusNotFound,
	CodeAuthFailed:            http.StatusUnauthorized,
	CodeSessionExpired:        http.StatusGone,
	CodeSessionKeyInvalid:     http.StatusBadRequest,
	CodeSessionKeyExpired:     http.StatusGone,
	CodeSessionKeyRevoked:     http.StatusGone,
	CodeInsufficientFunds:     http.StatusBadRequest,
	CodeInsufficientLiquidity: http.StatusServiceUnavailable,
	CodeStaleState:            http.StatusConflict,
	CodeInvalidSignature:      http.StatusBadRequest,
	CodeConnectionFailed:      http.StatusServiceUnavailable,
	CodeTimeout:               http.StatusGatewayTimeout,
	CodeWithdrawalFailed:      http.StatusInternalServerError,
	CodeRateLimited:           http.StatusTooManyRequests,
	CodeInternal:              http.StatusInternalServerError,
}

// HTTPStatus returns the status code used when c crosses the REST boundary.
func (c Code) HTTPStatus() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a classified failure. Message is safe to show to callers; Err
// keeps the underlying cause for logs and errors.Is.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so callers can compare against the
// sentinel values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Message == ""
	}
	return false
}

// WithDetails attaches structured details for the response body.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Sentinels for errors.Is comparisons: errors.Is(err, apperr.ErrNotFound).
var (
	ErrValidation            = &Error{Code: CodeValidation}
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrAuthFailed            = &Error{Code: CodeAuthFailed}
	ErrSessionExpired        = &Error{Code: CodeSessionExpired}
	ErrSessionKeyInvalid     = &Error{Code: CodeSessionKeyInvalid}
	ErrSessionKeyExpired     = &Error{Code: CodeSessionKeyExpired}
	ErrSessionKeyRevoked     = &Error{Code: CodeSessionKeyRevoked}
	ErrInsufficientFunds     = &Error{Code: CodeInsufficientFunds}
	ErrInsufficientLiquidity = &Error{Code: CodeInsufficientLiquidity}
	ErrStaleState            = &Error{Code: CodeStaleState}
	ErrInvalidSignature      = &Error{Code: CodeInvalidSignature}
	ErrConnectionFailed      = &Error{Code: CodeConnectionFailed}
	ErrTimeout               = &Error{Code: CodeTimeout}
	ErrRateLimited           = &Error{Code: CodeRateLimited}
	ErrInternal              = &Error{Code: CodeInternal}
)

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func StaleState(format string, args ...any) *Error {
	return New(CodeStaleState, format, args...)
}

func InsufficientFunds(format string, args ...any) *Error {
	return New(CodeInsufficientFunds, format, args...)
}

func InsufficientLiquidity(format string, args ...any) *Error {
	return New(CodeInsufficientLiquidity, format, args...)
}

func InvalidSignature(format string, args ...any) *Error {
	return New(CodeInvalidSignature, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return New(CodeTimeout, format, args...)
}

func ConnectionFailed(err error, format string, args ...any) *Error {
	return Wrap(CodeConnectionFailed, err, format, args...)
}

func AuthFailed(format string, args ...any) *Error {
	return New(CodeAuthFailed, format, args...)
}

// From classifies any error. Unclassified errors become INTERNAL_ERROR with
// a generic message so store or driver detail never reaches the caller.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{Code: CodeInternal, Message: "Internal server error", Err: err}
}

// CodeOf returns the classification code of err, INTERNAL_ERROR when unclassified.
func CodeOf(err error) Code {
	return From(err).Code
}

// Body is the JSON error envelope: {"error":{"code","message","details"}}.
type Body struct {
	Error BodyError `json:"error"`
}

type BodyError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToBody renders the public part of the error.
func (e *Error) ToBody() Body {
	return Body{Error: BodyError{Code: e.Code, Message: e.Message, Details: e.Details}}
}
