package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Operator roles. Admin passes every role check.
const (
	RoleAdmin      = "admin"
	RoleLabManager = "lab_manager"
	RoleLabTech    = "lab_tech"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether granted contains admin or any of required.
// Role names compare case-insensitively.
func HasRole(granted []string, required ...string) bool {
	for _, has := range granted {
		if strings.EqualFold(has, RoleAdmin) {
			return true
		}
		for _, want := range required {
			if strings.EqualFold(has, want) {
				return true
			}
		}
	}
	return false
}
