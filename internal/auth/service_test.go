package auth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/inkwellcms/inkwell/internal/apperror"
	"github.com/inkwellcms/inkwell/internal/capability"
	"github.com/inkwellcms/inkwell/internal/keys"
	"github.com/inkwellcms/inkwell/internal/password"
	"github.com/inkwellcms/inkwell/internal/session"
)

// --- Mock Repository ---

// mockUserRepo implements UserRepository for testing.
type mockUserRepo struct {
	createFn          func(ctx context.Context, user *User) error
	findByIDFn        func(ctx context.Context, id string) (*User, error)
	findByEmailFn     func(ctx context.Context, email string) (*User, error)
	emailExistsFn     func(ctx context.Context, email string) (bool, error)
	updateLastLoginFn func(ctx context.Context, id string) error
	countUsersFn      func(ctx context.Context) (int, error)
}

func (m *mockUserRepo) Create(ctx context.Context, user *User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	if m.emailExistsFn != nil {
		return m.emailExistsFn(ctx, email)
	}
	return false, nil
}

func (m *mockUserRepo) UpdateLastLogin(ctx context.Context, id string) error {
	if m.updateLastLoginFn != nil {
		return m.updateLastLoginFn(ctx, id)
	}
	return nil
}

func (m *mockUserRepo) CountUsers(ctx context.Context) (int, error) {
	if m.countUsersFn != nil {
		return m.countUsersFn(ctx)
	}
	return 0, nil
}

// --- Test Helpers ---

// newTestService wires an authService with real crypto, real tokens, and
// an in-memory session store. Only the repository is mocked.
func newTestService(t *testing.T, repo UserRepository) (*authService, *session.MemoryStore) {
	t.Helper()

	km, err := keys.Generate()
	if err != nil {
		t.Fatalf("generating key pair: %v", err)
	}
	tokens := capability.NewService(km, capability.Config{
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	})
	store := session.NewMemoryStore()

	svc := NewAuthService(repo, password.NewService(), tokens, store, Config{}).(*authService)
	return svc, store
}

// repoWithUser returns a mock repo holding exactly one account with the
// given password already hashed.
func repoWithUser(t *testing.T, u *User, plaintext string) *mockUserRepo {
	t.Helper()

	hash, err := password.NewService().Hash(plaintext)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	u.PasswordHash = hash

	return &mockUserRepo{
		findByEmailFn: func(_ context.Context, email string) (*User, error) {
			if email == u.Email {
				return u, nil
			}
			return nil, apperror.NewNotFound("user not found")
		},
		findByIDFn: func(_ context.Context, id string) (*User, error) {
			if id == u.ID {
				return u, nil
			}
			return nil, apperror.NewNotFound("user not found")
		},
	}
}

// assertAppError checks that err is an *apperror.AppError with the expected
// code and type.
func assertAppError(t *testing.T, err error, code int, errType string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d %s error, got nil", code, errType)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperror.AppError, got %T: %v", err, err)
	}
	if appErr.Code != code {
		t.Errorf("expected status %d, got %d (message: %s)", code, appErr.Code, appErr.Message)
	}
	if appErr.Type != errType {
		t.Errorf("expected type %q, got %q", errType, appErr.Type)
	}
}

// --- Register Tests ---

func TestRegister_Success(t *testing.T) {
	repo := &mockUserRepo{
		countUsersFn: func(context.Context) (int, error) { return 1, nil },
		createFn: func(_ context.Context, user *User) error {
			if user.Email != "alice@example.com" {
				t.Errorf("expected email alice@example.com, got %s", user.Email)
			}
			if user.Role != RoleViewer {
				t.Errorf("expected role viewer, got %s", user.Role)
			}
			if user.PasswordHash == "" {
				t.Error("expected password hash to be set")
			}
			return nil
		},
	}

	svc, _ := newTestService(t, repo)
	user, err := svc.Register(context.Background(), RegisterInput{
		Email:       "  Alice@Example.com ",
		DisplayName: "Alice",
		Password:    "Sturdy-Passphrase-77",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID == "" {
		t.Error("expected user ID to be generated")
	}
}

func TestRegister_FirstUserBecomesAdmin(t *testing.T) {
	repo := &mockUserRepo{
		countUsersFn: func(context.Context) (int, error) { return 0, nil },
	}

	svc, _ := newTestService(t, repo)
	user, err := svc.Register(context.Background(), RegisterInput{
		Email:       "admin@example.com",
		DisplayName: "Admin",
		Password:    "Sturdy-Passphrase-77",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Role != RoleAdmin {
		t.Errorf("expected first user to be admin, got %s", user.Role)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	repo := &mockUserRepo{
		emailExistsFn: func(context.Context, string) (bool, error) { return true, nil },
	}

	svc, _ := newTestService(t, repo)
	_, err := svc.Register(context.Background(), RegisterInput{
		Email:       "taken@example.com",
		DisplayName: "Test",
		Password:    "Sturdy-Passphrase-77",
	})
	assertAppError(t, err, 409, "conflict")
}

func TestRegister_PolicyViolation(t *testing.T) {
	// No digit, so the policy rejects it before any repository call.
	repo := &mockUserRepo{
		emailExistsFn: func(context.Context, string) (bool, error) {
			t.Error("repository should not be consulted for a rejected password")
			return false, nil
		},
	}

	svc, _ := newTestService(t, repo)
	_, err := svc.Register(context.Background(), RegisterInput{
		Email:       "test@example.com",
		DisplayName: "Test",
		Password:    "NoDigitsHere",
	})
	assertAppError(t, err, 422, "validation_error")
}

// --- Login Tests ---

func TestLogin_Success(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	svc, store := newTestService(t, repo)
	bundle, err := svc.Login(context.Background(), LoginInput{
		Email:    "Alice@Example.COM",
		Password: "Correct-Horse-9",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bundle.AccessToken == "" || bundle.RefreshToken == "" {
		t.Error("expected both tokens in the bundle")
	}
	if bundle.TokenType != "Bearer" {
		t.Errorf("expected token type Bearer, got %s", bundle.TokenType)
	}
	if bundle.ExpiresIn != 3600 {
		t.Errorf("expected expires_in 3600, got %d", bundle.ExpiresIn)
	}
	if store.Count() != 1 {
		t.Errorf("expected one session, got %d", store.Count())
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	svc, _ := newTestService(t, repo)
	_, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "Wrong-Horse-9",
	})
	assertAppError(t, err, 401, "invalid_credentials")
}

func TestLogin_UnknownEmailIndistinguishable(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	svc, _ := newTestService(t, repo)
	_, wrongPw := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "Wrong-Horse-9",
	})
	_, unknown := svc.Login(context.Background(), LoginInput{
		Email:    "nobody@example.com",
		Password: "Wrong-Horse-9",
	})

	// Same code, same type, same message -- no enumeration oracle.
	var a, b *apperror.AppError
	if !errors.As(wrongPw, &a) || !errors.As(unknown, &b) {
		t.Fatalf("expected app errors, got %v and %v", wrongPw, unknown)
	}
	if a.Code != b.Code || a.Type != b.Type || a.Message != b.Message {
		t.Errorf("unknown email and wrong password must be indistinguishable: %v vs %v", a, b)
	}
}

func TestLogin_DisabledAccount(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor, IsDisabled: true}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	svc, _ := newTestService(t, repo)
	_, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "Correct-Horse-9",
	})
	assertAppError(t, err, 401, "invalid_credentials")
}

func TestLogin_RememberMeExtendsSession(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	svc, store := newTestService(t, repo)
	bundle, err := svc.Login(context.Background(), LoginInput{
		Email:      "alice@example.com",
		Password:   "Correct-Horse-9",
		RememberMe: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, err := store.Get(context.Background(), bundle.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if lifetime := time.Until(sess.ExpiresAt); lifetime < 29*24*time.Hour {
		t.Errorf("expected remember-me session near 30 days, got %v", lifetime)
	}
}

// --- Verify Tests ---

func TestVerify_Success(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	svc, _ := newTestService(t, repo)
	bundle, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "Correct-Horse-9",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	ac, err := svc.Verify(context.Background(), bundle.AccessToken)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if ac.UserID != "user-1" || ac.Role != RoleEditor {
		t.Errorf("unexpected identity: %+v", ac)
	}
	if ac.SessionID != bundle.SessionID {
		t.Errorf("expected session %s, got %s", bundle.SessionID, ac.SessionID)
	}
	if !ac.Can("content:write") {
		t.Error("editor should be allowed content:write")
	}
	if ac.Can("users:manage") {
		t.Error("editor must not be allowed users:manage")
	}
}

func TestVerify_GarbageToken(t *testing.T) {
	svc, _ := newTestService(t, &mockUserRepo{})

	_, err := svc.Verify(context.Background(), "not-a-token")
	assertAppError(t, err, 401, "unauthorized")
}

func TestVerify_ForeignKey(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	issuer, _ := newTestService(t, repo)
	bundle, err := issuer.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "Correct-Horse-9",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	// A service with a different key pair must reject the token.
	verifier, _ := newTestService(t, repo)
	_, err = verifier.Verify(context.Background(), bundle.AccessToken)
	assertAppError(t, err, 401, "unauthorized")
}

func TestVerify_RevokedSession(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	svc, _ := newTestService(t, repo)
	bundle, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "Correct-Horse-9",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if err := svc.Revoke(context.Background(), bundle.SessionID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	// The token still carries a valid signature, but its session is gone.
	_, err = svc.Verify(context.Background(), bundle.AccessToken)
	assertAppError(t, err, 401, "session_revoked")
}

// --- Refresh Tests ---

func TestRefresh_RotatesTokens(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	svc, _ := newTestService(t, repo)
	first, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "Correct-Horse-9",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("expected a new refresh token after rotation")
	}
	if second.SessionID != first.SessionID {
		t.Error("rotation must stay within the same session")
	}

	// The new access token verifies.
	if _, err := svc.Verify(context.Background(), second.AccessToken); err != nil {
		t.Errorf("new access token rejected: %v", err)
	}
}

func TestRefresh_ReuseDestroysSession(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	svc, store := newTestService(t, repo)
	first, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "Correct-Horse-9",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}

	// Replaying the already-rotated token is treated as theft.
	_, err = svc.Refresh(context.Background(), first.RefreshToken)
	assertAppError(t, err, 401, "session_revoked")

	if store.Count() != 0 {
		t.Errorf("expected session destroyed after reuse, %d remain", store.Count())
	}

	// Neither side of the fork survives: the legitimately rotated tokens
	// are dead too.
	_, err = svc.Refresh(context.Background(), second.RefreshToken)
	assertAppError(t, err, 401, "session_revoked")
	_, err = svc.Verify(context.Background(), second.AccessToken)
	assertAppError(t, err, 401, "session_revoked")
}

func TestRefresh_GarbageToken(t *testing.T) {
	svc, _ := newTestService(t, &mockUserRepo{})

	_, err := svc.Refresh(context.Background(), "not-a-token")
	assertAppError(t, err, 401, "unauthorized")
}

func TestRefresh_AccessTokenRejected(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	svc, _ := newTestService(t, repo)
	bundle, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "Correct-Horse-9",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	// An access token presented at the refresh endpoint must not rotate.
	_, err = svc.Refresh(context.Background(), bundle.AccessToken)
	assertAppError(t, err, 401, "unauthorized")
}

func TestRefresh_DisabledAccount(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleEditor}
	repo := repoWithUser(t, user, "Correct-Horse-9")

	svc, store := newTestService(t, repo)
	bundle, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "Correct-Horse-9",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	user.IsDisabled = true

	_, err = svc.Refresh(context.Background(), bundle.RefreshToken)
	assertAppError(t, err, 401, "unauthorized")
	if store.Count() != 0 {
		t.Error("expected session revoked when the account is disabled")
	}
}

// --- Full Lifecycle ---

func TestTokenLifecycle(t *testing.T) {
	user := &User{ID: "user-1", Email: "alice@example.com", Role: RoleAdmin}
	repo := repoWithUser(t, user, "Correct-Horse-9")
	ctx := context.Background()

	svc, _ := newTestService(t, repo)

	// Login yields a working pair.
	first, err := svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Correct-Horse-9"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := svc.Verify(ctx, first.AccessToken); err != nil {
		t.Fatalf("first access token rejected: %v", err)
	}

	// Rotate, the new pair works.
	second, err := svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, err := svc.Verify(ctx, second.AccessToken); err != nil {
		t.Fatalf("second access token rejected: %v", err)
	}

	// The stale refresh token kills the whole chain.
	if _, err := svc.Refresh(ctx, first.RefreshToken); err == nil {
		t.Fatal("expected stale refresh to fail")
	}
	_, err = svc.Verify(ctx, second.AccessToken)
	assertAppError(t, err, 401, "session_revoked")
}

// --- Revoke Tests ---

func TestRevoke_Idempotent(t *testing.T) {
	svc, _ := newTestService(t, &mockUserRepo{})

	// Revoking an unknown session succeeds quietly.
	if err := svc.Revoke(context.Background(), "no-such-session"); err != nil {
		t.Errorf("Revoke() error = %v", err)
	}
}

// --- Logging Tests ---

func TestMaskSessionID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"697cab54-21e3-4949-8246-271824417e60", "697..e60"},
		{"abcdef", "***"},
		{"", "***"},
	}
	for _, tc := range cases {
		if got := maskSessionID(tc.in); got != tc.want {
			t.Errorf("maskSessionID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLogin_SessionIDNeverLoggedInFull(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	user := &User{ID: "user-1", Email: "mask@example.com", Role: RoleEditor}
	svc, _ := newTestService(t, repoWithUser(t, user, "Sturdy-Passphrase-77"))
	ctx := context.Background()

	bundle, err := svc.Login(ctx, LoginInput{Email: user.Email, Password: "Sturdy-Passphrase-77"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := svc.Verify(ctx, bundle.AccessToken); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if _, err := svc.Refresh(ctx, bundle.RefreshToken); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if err := svc.Revoke(ctx, bundle.SessionID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	logs := buf.String()
	if strings.Contains(logs, bundle.SessionID) {
		t.Errorf("log output contains the full session ID %s:\n%s", bundle.SessionID, logs)
	}
	if !strings.Contains(logs, maskSessionID(bundle.SessionID)) {
		t.Errorf("log output missing the masked session ID %s:\n%s", maskSessionID(bundle.SessionID), logs)
	}
}
