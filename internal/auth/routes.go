package auth

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/inkwellcms/inkwell/internal/middleware"
)

// RegisterRoutes sets up all auth-related routes on the given Echo instance.
// The credential endpoints are public; logout and identity introspection
// sit behind the bearer middleware, which is also exported for other route
// groups to use.
//
// Credential endpoints are rate-limited to slow brute-force and credential
// stuffing: 10 attempts per IP per minute for login and refresh, 5 for
// register.
func RegisterRoutes(e *echo.Echo, h *Handler, service AuthService) {
	g := e.Group("/api/auth")

	g.POST("/register", h.Register, middleware.RateLimit(5, time.Minute))
	g.POST("/login", h.Login, middleware.RateLimit(10, time.Minute))
	g.POST("/refresh", h.Refresh, middleware.RateLimit(10, time.Minute))
	g.POST("/password/strength", h.Strength, middleware.RateLimit(30, time.Minute))

	authed := g.Group("", RequireAuth(service))
	authed.POST("/logout", h.Logout)
	authed.GET("/me", h.Me)
}
