package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inkwellcms/inkwell/internal/apperror"
	"github.com/inkwellcms/inkwell/internal/capability"
	"github.com/inkwellcms/inkwell/internal/obs"
	"github.com/inkwellcms/inkwell/internal/password"
	"github.com/inkwellcms/inkwell/internal/session"
)

// AuthService defines the business logic contract for authentication.
// Handlers call these methods -- they never touch the repository directly.
type AuthService interface {
	Register(ctx context.Context, input RegisterInput) (*User, error)
	Login(ctx context.Context, input LoginInput) (*Bundle, error)
	Refresh(ctx context.Context, refreshToken string) (*Bundle, error)
	Verify(ctx context.Context, accessToken string) (*Context, error)
	Revoke(ctx context.Context, sessionID string) error
}

// Config holds the tunable lifetimes for the auth service.
type Config struct {
	// RefreshTTL bounds a session created by a plain login. The refresh
	// chain inherits the remaining session lifetime, it never extends it.
	RefreshTTL time.Duration

	// RememberMeRefreshTTL bounds a session created by a remember-me login.
	RememberMeRefreshTTL time.Duration
}

// authService implements AuthService on top of the password hasher, the
// capability token service, and the session store.
type authService struct {
	repo      UserRepository
	passwords *password.Service
	tokens    *capability.Service
	sessions  session.Store
	cfg       Config
	now       func() time.Time
}

// NewAuthService creates a new auth service with the given dependencies.
func NewAuthService(repo UserRepository, passwords *password.Service, tokens *capability.Service, sessions session.Store, cfg Config) AuthService {
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	if cfg.RememberMeRefreshTTL <= 0 {
		cfg.RememberMeRefreshTTL = 30 * 24 * time.Hour
	}
	return &authService{
		repo:      repo,
		passwords: passwords,
		tokens:    tokens,
		sessions:  sessions,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Register creates a new user account. It enforces the password policy,
// checks email uniqueness, hashes with argon2id, and persists the user.
// The very first account is promoted to admin; everyone after starts as
// a viewer.
func (s *authService) Register(ctx context.Context, input RegisterInput) (*User, error) {
	if err := s.passwords.ValidatePolicy(input.Password); err != nil {
		var perr *password.PolicyError
		if errors.As(err, &perr) {
			return nil, apperror.NewValidation(perr.Reason)
		}
		return nil, apperror.NewInternal(fmt.Errorf("validating password: %w", err))
	}

	email := normalizeEmail(input.Email)

	// Check if email is already taken before doing expensive hashing.
	exists, err := s.repo.EmailExists(ctx, email)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("checking email: %w", err))
	}
	if exists {
		return nil, apperror.NewConflict("an account with this email already exists")
	}

	hash, err := s.passwords.Hash(input.Password)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	role := RoleViewer
	count, err := s.repo.CountUsers(ctx)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("counting users: %w", err))
	}
	if count == 0 {
		role = RoleAdmin
	}

	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  strings.TrimSpace(input.DisplayName),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    s.now().UTC(),
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("creating user: %w", err))
	}

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
		slog.String("role", user.Role),
	)

	return user, nil
}

// Login authenticates a user by email and password. On success it creates
// a session and returns an access/refresh token pair bound to it.
//
// Failures never reveal whether the email exists: an unknown email burns
// the same hashing cost as a real verification and returns the same
// invalid-credentials error as a wrong password.
func (s *authService) Login(ctx context.Context, input LoginInput) (*Bundle, error) {
	user, err := s.repo.FindByEmail(ctx, normalizeEmail(input.Email))
	if err != nil {
		if isNotFound(err) {
			s.passwords.BurnCost(input.Password)
			obs.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
			return nil, apperror.NewInvalidCredentials()
		}
		obs.LoginAttempts.WithLabelValues("error").Inc()
		return nil, apperror.NewInternal(fmt.Errorf("finding user: %w", err))
	}

	if err := s.passwords.Verify(input.Password, user.PasswordHash); err != nil {
		obs.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
		return nil, apperror.NewInvalidCredentials()
	}

	// Disabled accounts fail with the same generic error as a bad password.
	if user.IsDisabled {
		slog.Info("login rejected for disabled account", slog.String("user_id", user.ID))
		obs.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
		return nil, apperror.NewInvalidCredentials()
	}

	ttl := s.cfg.RefreshTTL
	if input.RememberMe {
		ttl = s.cfg.RememberMeRefreshTTL
	}

	sess, err := s.sessions.Create(ctx, user.ID, ttl)
	if err != nil {
		obs.LoginAttempts.WithLabelValues("error").Inc()
		if errors.Is(err, session.ErrUnavailable) {
			return nil, apperror.NewUnavailable()
		}
		return nil, apperror.NewInternal(fmt.Errorf("creating session: %w", err))
	}

	bundle, err := s.issueBundle(user, sess.ID, sess.RefreshVersion, ttl)
	if err != nil {
		obs.LoginAttempts.WithLabelValues("error").Inc()
		return nil, apperror.NewInternal(fmt.Errorf("issuing tokens: %w", err))
	}

	// Update the user's last login timestamp (fire-and-forget, non-critical).
	if err := s.repo.UpdateLastLogin(ctx, user.ID); err != nil {
		slog.Warn("failed to update last login",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("session_id", maskSessionID(sess.ID)),
		slog.Bool("remember_me", input.RememberMe),
	)
	obs.LoginAttempts.WithLabelValues("success").Inc()

	return bundle, nil
}

// Verify checks a bearer access token and returns the identity it proves.
// The token signature and caveats are checked first, then the session it
// is bound to must still be live. All token-level rejections collapse to
// a single unauthorized error; the detailed cause goes to the debug log
// only.
func (s *authService) Verify(ctx context.Context, accessToken string) (*Context, error) {
	facts, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		slog.Debug("access token rejected", slog.Any("error", err))
		obs.TokenVerifications.WithLabelValues("rejected").Inc()
		return nil, apperror.NewUnauthorized("authentication required")
	}

	live, err := s.sessions.IsLive(ctx, facts.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			obs.TokenVerifications.WithLabelValues("unavailable").Inc()
			return nil, apperror.NewUnavailable()
		}
		return nil, apperror.NewInternal(fmt.Errorf("checking session liveness: %w", err))
	}
	if !live {
		obs.TokenVerifications.WithLabelValues("session_revoked").Inc()
		return nil, apperror.NewSessionRevoked()
	}

	// Best effort: a failed touch never fails the request.
	if err := s.sessions.Touch(ctx, facts.SessionID); err != nil {
		slog.Warn("failed to touch session",
			slog.String("session_id", maskSessionID(facts.SessionID)),
			slog.Any("error", err),
		)
	}

	perms := facts.Actions
	if perms == nil {
		perms = PermissionsForRole(facts.Role)
	}

	obs.TokenVerifications.WithLabelValues("ok").Inc()
	return &Context{
		UserID:      facts.UserID,
		Role:        facts.Role,
		Permissions: perms,
		SessionID:   facts.SessionID,
	}, nil
}

// Refresh rotates a refresh token and returns a fresh token pair. Each
// refresh token is single-use: presenting a stale version is treated as
// theft and destroys the whole session, so neither the thief nor the
// legitimate holder can continue.
func (s *authService) Refresh(ctx context.Context, refreshToken string) (*Bundle, error) {
	sid, version, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		slog.Debug("refresh token rejected", slog.Any("error", err))
		obs.RefreshRotations.WithLabelValues("rejected").Inc()
		return nil, apperror.NewUnauthorized("authentication required")
	}

	newVersion, err := s.sessions.Rotate(ctx, sid, version)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrReuseDetected):
			// The store already destroyed the session chain.
			slog.Warn("refresh token reuse detected, session revoked",
				slog.String("session_id", maskSessionID(sid)),
				slog.Uint64("presented_version", version),
			)
			obs.RefreshRotations.WithLabelValues("reuse_detected").Inc()
			return nil, apperror.NewSessionRevoked()
		case errors.Is(err, session.ErrNotFound):
			obs.RefreshRotations.WithLabelValues("session_revoked").Inc()
			return nil, apperror.NewSessionRevoked()
		case errors.Is(err, session.ErrUnavailable):
			obs.RefreshRotations.WithLabelValues("unavailable").Inc()
			return nil, apperror.NewUnavailable()
		default:
			return nil, apperror.NewInternal(fmt.Errorf("rotating session: %w", err))
		}
	}

	sess, err := s.sessions.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, apperror.NewSessionRevoked()
		}
		if errors.Is(err, session.ErrUnavailable) {
			return nil, apperror.NewUnavailable()
		}
		return nil, apperror.NewInternal(fmt.Errorf("loading session: %w", err))
	}

	user, err := s.repo.FindByID(ctx, sess.UserID)
	if err != nil {
		if isNotFound(err) {
			// Account deleted out from under the session.
			_ = s.sessions.Revoke(ctx, sid)
			return nil, apperror.NewUnauthorized("authentication required")
		}
		return nil, apperror.NewInternal(fmt.Errorf("finding user: %w", err))
	}
	if user.IsDisabled {
		_ = s.sessions.Revoke(ctx, sid)
		slog.Info("refresh rejected for disabled account", slog.String("user_id", user.ID))
		return nil, apperror.NewUnauthorized("authentication required")
	}

	// The new refresh token inherits the remaining session lifetime.
	remaining := sess.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return nil, apperror.NewSessionRevoked()
	}

	bundle, err := s.issueBundle(user, sid, newVersion, remaining)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("issuing tokens: %w", err))
	}

	slog.Info("refresh token rotated",
		slog.String("session_id", maskSessionID(sid)),
		slog.Uint64("version", newVersion),
	)
	obs.RefreshRotations.WithLabelValues("ok").Inc()

	return bundle, nil
}

// Revoke destroys a session, invalidating its refresh chain immediately.
// Access tokens bound to it fail verification from the next request on.
func (s *authService) Revoke(ctx context.Context, sessionID string) error {
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			return apperror.NewUnavailable()
		}
		return apperror.NewInternal(fmt.Errorf("revoking session: %w", err))
	}

	slog.Info("session revoked", slog.String("session_id", maskSessionID(sessionID)))
	return nil
}

// issueBundle mints the access/refresh pair for a session at the given
// rotation version. The access token is attenuated to the role's action
// whitelist at issuance.
func (s *authService) issueBundle(user *User, sessionID string, version uint64, refreshTTL time.Duration) (*Bundle, error) {
	access, err := s.tokens.IssueAccess(user.ID, user.Role, sessionID, version,
		capability.WithActions(PermissionsForRole(user.Role)...))
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	refresh, err := s.tokens.IssueRefresh(sessionID, version, refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing refresh token: %w", err)
	}

	return &Bundle{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL() / time.Second),
		SessionID:    sessionID,
	}, nil
}

// maskSessionID shortens a session ID for logging so a leaked log file
// cannot be replayed against the session registry. Keeps the first and
// last three characters, enough to correlate log lines.
func maskSessionID(sid string) string {
	if len(sid) <= 6 {
		return "***"
	}
	return sid[:3] + ".." + sid[len(sid)-3:]
}

// normalizeEmail lowercases and trims an email address for storage and lookup.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// isNotFound checks if an error is an apperror with a 404 code.
func isNotFound(err error) bool {
	var appErr *apperror.AppError
	return errors.As(err, &appErr) && appErr.Code == http.StatusNotFound
}
