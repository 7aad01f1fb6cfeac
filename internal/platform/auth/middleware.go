package auth

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Resolver turns a bearer token into an Identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// Authenticate resolves the bearer token of every request not matched by
// skipper and attaches the Identity and raw token to the request context.
func Authenticate(resolver Resolver, skipper middleware.Skipper) echo.MiddlewareFunc {
	if skipper == nil {
		skipper = middleware.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}

			token, ok := BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return Unauthorized("No authorization token provided")
			}

			id, err := resolver.Resolve(c.Request().Context(), token)
			if err != nil {
				return err
			}

			ctx := WithIdentity(WithToken(c.Request().Context(), token), id)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("user_id", id.UserID().String())
			c.Set("tenant_id", id.TenantID().String())
			return next(c)
		}
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
