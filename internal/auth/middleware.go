package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/inkwellcms/inkwell/internal/apperror"
)

// contextKeyAuth is the Echo context key holding the verified identity.
// Other packages access it via GetAuthContext.
const contextKeyAuth = "auth_context"

// RequireAuth returns middleware that verifies the bearer token on each
// request and injects the resulting identity into both the Echo context
// and the request context. Requests without a valid token get the
// service's error as-is, so the global error handler renders the right
// status and type.
func RequireAuth(service AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c)
			if raw == "" {
				return apperror.NewUnauthorized("authentication required")
			}

			ac, err := service.Verify(c.Request().Context(), raw)
			if err != nil {
				return err
			}

			c.Set(contextKeyAuth, ac)
			c.SetRequest(c.Request().WithContext(WithContext(c.Request().Context(), ac)))

			return next(c)
		}
	}
}

// RequirePermission returns middleware that rejects requests whose verified
// identity lacks the given action. Must run after RequireAuth.
func RequirePermission(action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ac := GetAuthContext(c)
			if ac == nil {
				return apperror.NewUnauthorized("authentication required")
			}
			if !ac.Can(action) {
				return apperror.NewForbidden("insufficient permissions")
			}
			return next(c)
		}
	}
}

// GetAuthContext retrieves the verified identity from the Echo context.
// Returns nil if the request is not authenticated (middleware not applied).
func GetAuthContext(c echo.Context) *Context {
	ac, ok := c.Get(contextKeyAuth).(*Context)
	if !ok {
		return nil
	}
	return ac
}

// bearerToken extracts the credential from the Authorization header. Both
// the "Bearer" and the legacy "Token" schemes are accepted, matched
// case-insensitively.
func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	if header == "" {
		return ""
	}

	scheme, credential, found := strings.Cut(header, " ")
	if !found {
		return ""
	}
	switch strings.ToLower(scheme) {
	case "bearer", "token":
		return strings.TrimSpace(credential)
	}
	return ""
}
