// Package auth holds the account model and the login/refresh/verify
// orchestration for Inkwell. It glues the password hasher, the capability
// token service, and the session store into the flows the HTTP layer
// exposes: registration, login, token refresh with rotation, bearer
// verification, and logout.
package auth

import (
	"time"
)

// Roles known to Inkwell. Stored on the user row and embedded as a fact in
// access tokens.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// rolePermissions maps each role to the actions it may perform. Access
// tokens are attenuated to this set at issuance, so a leaked token for a
// viewer can never be replayed for a write even if the role column later
// changes.
var rolePermissions = map[string][]string{
	RoleAdmin: {
		"content:read", "content:write", "content:publish", "content:delete",
		"media:read", "media:write",
		"users:manage", "settings:manage",
	},
	RoleEditor: {
		"content:read", "content:write", "content:publish",
		"media:read", "media:write",
	},
	RoleViewer: {
		"content:read", "media:read",
	},
}

// PermissionsForRole returns the action whitelist for a role. Unknown roles
// get no permissions.
func PermissionsForRole(role string) []string {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// User represents a registered Inkwell account. This is the domain model
// used throughout the application. Database scanning and JSON marshaling
// use this struct directly.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	PasswordHash string     `json:"-"` // Never expose in JSON responses.
	Role         string     `json:"role"`
	IsDisabled   bool       `json:"is_disabled"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// Bundle is the pair of tokens handed out at login and refresh. ExpiresIn
// is the access token lifetime in seconds, for clients that schedule their
// own refresh.
type Bundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	SessionID    string `json:"session_id"`
}

// Context is the verified identity attached to a request after bearer
// verification. Downstream handlers read it instead of re-parsing tokens.
type Context struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	SessionID   string   `json:"session_id"`
}

// Can reports whether the verified identity may perform the given action.
func (c *Context) Can(action string) bool {
	for _, p := range c.Permissions {
		if p == action {
			return true
		}
	}
	return false
}

// --- Request DTOs (bound from HTTP requests) ---

// RegisterRequest holds the data submitted to the registration endpoint.
type RegisterRequest struct {
	Email       string `json:"email" form:"email" validate:"required,email,max=255"`
	DisplayName string `json:"display_name" form:"display_name" validate:"required,min=2,max=100"`
	Password    string `json:"password" form:"password" validate:"required,min=8,max=128"`
}

// LoginRequest holds the data submitted to the login endpoint.
type LoginRequest struct {
	Email      string `json:"email" form:"email" validate:"required,email"`
	Password   string `json:"password" form:"password" validate:"required"`
	RememberMe bool   `json:"remember_me" form:"remember_me"`
}

// RefreshRequest carries the refresh token for the rotation endpoint.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" form:"refresh_token" validate:"required"`
}

// StrengthRequest carries a candidate password for the strength meter.
type StrengthRequest struct {
	Password string `json:"password" form:"password"`
}

// --- Service Input DTOs (passed from handler to service) ---

// RegisterInput is the validated input for creating a new user.
type RegisterInput struct {
	Email       string
	DisplayName string
	Password    string
}

// LoginInput is the validated input for authenticating a user.
type LoginInput struct {
	Email      string
	Password   string
	RememberMe bool
}
