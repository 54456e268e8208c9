package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check. Role names compare
// case-insensitively.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether held contains admin or any of required.
func HasAnyRole(held []string, required ...string) bool {
	for _, has := range held {
		if strings.EqualFold(has, "admin") {
			return true
		}
		for _, r := range required {
			if strings.EqualFold(has, r) {
				return true
			}
		}
	}
	return false
}
