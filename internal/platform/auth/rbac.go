package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleFacility = "facility"
	RoleAuditor  = "auditor"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admin passes every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, has := range userRoles {
				if has == RoleAdmin {
					return next(c)
				}
				for _, required := range roles {
					if has == required {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether the caller holds role.
func HasRole(ctx context.Context, role string) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}

// CanActForFacility reports whether the caller may act on behalf of the
// facility: admins and operators always, facility staff only for their own.
func CanActForFacility(ctx context.Context, facilityID string) bool {
	if HasRole(ctx, RoleAdmin) || HasRole(ctx, RoleOperator) {
		return true
	}
	return HasRole(ctx, RoleFacility) && FacilityIDFromContext(ctx) == facilityID
}
