package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/inkwellcms/inkwell/internal/apperror"
	"github.com/inkwellcms/inkwell/internal/password"
)

// Handler handles HTTP requests for authentication. Handlers are thin:
// they bind the request, call the service, and render the response. No
// business logic lives here.
type Handler struct {
	service AuthService
}

// NewHandler creates a new auth handler with the given service.
func NewHandler(service AuthService) *Handler {
	return &Handler{service: service}
}

// Register creates a new account (POST /api/auth/register).
func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}
	if msg := validateRegisterRequest(&req); msg != "" {
		return apperror.NewValidation(msg)
	}

	user, err := h.service.Register(c.Request().Context(), RegisterInput{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Password:    req.Password,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, user)
}

// Login exchanges credentials for a token pair (POST /api/auth/login).
func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}
	if req.Email == "" || req.Password == "" {
		return apperror.NewValidation("email and password are required")
	}

	bundle, err := h.service.Login(c.Request().Context(), LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		RememberMe: req.RememberMe,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, bundle)
}

// Refresh rotates a refresh token for a fresh pair (POST /api/auth/refresh).
func (h *Handler) Refresh(c echo.Context) error {
	var req RefreshRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}
	if req.RefreshToken == "" {
		return apperror.NewValidation("refresh_token is required")
	}

	bundle, err := h.service.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, bundle)
}

// Logout revokes the caller's session (POST /api/auth/logout). Requires a
// verified bearer token; the session to revoke comes from it, never from
// the request body.
func (h *Handler) Logout(c echo.Context) error {
	ac := GetAuthContext(c)
	if ac == nil {
		return apperror.NewUnauthorized("authentication required")
	}

	if err := h.service.Revoke(c.Request().Context(), ac.SessionID); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

// Me returns the verified identity of the caller (GET /api/auth/me).
func (h *Handler) Me(c echo.Context) error {
	ac := GetAuthContext(c)
	if ac == nil {
		return apperror.NewUnauthorized("authentication required")
	}
	return c.JSON(http.StatusOK, ac)
}

// Strength scores a candidate password (POST /api/auth/password/strength).
// Public: signup forms call it before an account exists. The password is
// never logged or stored.
func (h *Handler) Strength(c echo.Context) error {
	var req StrengthRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	return c.JSON(http.StatusOK, map[string]uint8{
		"score": password.Strength(req.Password),
	})
}

// validateRegisterRequest performs basic server-side validation on the
// registration payload. Returns an error message or empty string. The
// password policy itself is enforced by the service.
func validateRegisterRequest(req *RegisterRequest) string {
	if req.Email == "" {
		return "email is required"
	}
	if len(req.Email) > 255 {
		return "email must be at most 255 characters"
	}
	if req.DisplayName == "" {
		return "display name is required"
	}
	if len(req.DisplayName) < 2 {
		return "display name must be at least 2 characters"
	}
	if len(req.DisplayName) > 100 {
		return "display name must be at most 100 characters"
	}
	if req.Password == "" {
		return "password is required"
	}
	return ""
}
