package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
)

// RequestTimeout puts a deadline on the request context. Store calls honour
// it; when the handler returns after the deadline without having written a
// response, the client gets 504.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return gatewayTimeoutError(err)
			}
			return err
		}
	}
}

func gatewayTimeoutError(cause error) error {
	return &auth.Error{
		Status:  http.StatusGatewayTimeout,
		Code:    auth.CodeServiceUnavailable,
		Message: "Request processing exceeded the allowed time limit",
		Err:     cause,
	}
}
