package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// Code is a stable, client-visible error code.
type Code string

const (
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeInvalidToken       Code = "INVALID_TOKEN"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeTenantInactive     Code = "TENANT_INACTIVE"
	CodeAccountLocked      Code = "ACCOUNT_LOCKED"
	CodeInvalidMFACode     Code = "INVALID_MFA_CODE"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodePolicyDenied       Code = "POLICY_DENIED"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeInvalidGrant       Code = "INVALID_GRANT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL_ERROR"
	CodeRateLimited        Code = "RATE_LIMITED"
)

// Error is an authentication or authorization failure with a fixed,
// non-leaking message. Err carries the internal cause and is never rendered.
type Error struct {
	Status  int
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Body is the JSON error shape returned to clients.
type Body struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func newError(status int, code Code, msg string) *Error {
	return &Error{Status: status, Code: code, Message: msg}
}

func Unauthorized(msg string) *Error {
	return newError(http.StatusUnauthorized, CodeUnauthorized, msg)
}

func TokenExpired() *Error {
	return newError(http.StatusUnauthorized, CodeTokenExpired, "Session expired or invalid")
}

func TokenRevoked() *Error {
	return newError(http.StatusUnauthorized, CodeInvalidToken, "Token has been revoked")
}

func InvalidCredentials() *Error {
	return newError(http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password")
}

func TenantInactive(msg string) *Error {
	return newError(http.StatusForbidden, CodeTenantInactive, msg)
}

func AccountLocked() *Error {
	return newError(http.StatusForbidden, CodeAccountLocked, "Your account in this organization is inactive")
}

func InvalidMFACode() *Error {
	return newError(http.StatusBadRequest, CodeInvalidMFACode, "Invalid verification code")
}

func PermissionDenied(msg string) *Error {
	return newError(http.StatusForbidden, CodePermissionDenied, msg)
}

func PolicyDenied() *Error {
	return newError(http.StatusForbidden, CodePolicyDenied, "Access denied by policy")
}

func InvalidRequest(msg string) *Error {
	return newError(http.StatusBadRequest, CodeInvalidRequest, msg)
}

func InvalidGrant(msg string) *Error {
	return newError(http.StatusBadRequest, CodeInvalidGrant, msg)
}

func NotFound(msg string) *Error {
	return newError(http.StatusNotFound, CodeNotFound, msg)
}

func RateLimited() *Error {
	return newError(http.StatusTooManyRequests, CodeRateLimited, "Too many requests")
}

// Unavailable wraps an infrastructure failure that must deny the request.
func Unavailable(err error) *Error {
	e := newError(http.StatusServiceUnavailable, CodeServiceUnavailable, "Authentication service unavailable")
	e.Err = err
	return e
}

func Internal(err error) *Error {
	e := newError(http.StatusInternalServerError, CodeInternal, "Internal server error")
	e.Err = err
	return e
}

// CodeOf returns the taxonomy code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// ErrorHandler renders every error as {code, message}. Causes of 5xx
// errors are logged and never sent to the client.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := http.StatusInternalServerError, Body{Code: CodeInternal, Message: "Internal server error"}

		var ae *Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &ae):
			status, body = ae.Status, Body{Code: ae.Code, Message: ae.Message}
		case errors.As(err, &he):
			status = he.Code
			body = Body{Code: codeForStatus(he.Code), Message: fmt.Sprint(he.Message)}
		}

		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}

func codeForStatus(status int) Code {
	switch status {
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodePermissionDenied
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusServiceUnavailable:
		return CodeServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		return CodeInternal
	}
	return CodeInvalidRequest
}
