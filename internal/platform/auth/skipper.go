package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are served without a bearer token.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/db":    true,
	"/health/cache": true,
	"/metrics":      true,
	"/auth/token":   true,
}

// AuthSkipper returns true for requests whose route is public.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is served without authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
