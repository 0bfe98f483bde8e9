// Package keys owns the process-wide Ed25519 signing key used to sign and
// verify capability tokens. The key is resolved once at startup and the
// resulting Manager is immutable -- rotation means restarting the process
// with new key material. The Manager is passed to dependents via dependency
// injection so tests can run with ephemeral keys.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Resolution errors. All three are fatal at startup: a process that cannot
// establish its signing identity must not serve requests.
var (
	// ErrMalformedKey means the environment variable was set but did not
	// decode to a valid Ed25519 seed.
	ErrMalformedKey = errors.New("keys: malformed key in environment")

	// ErrUnreadableKey means the key file exists but could not be read or
	// did not contain a valid key.
	ErrUnreadableKey = errors.New("keys: unreadable key file")

	// ErrMissingInProduction means no key was found and auto-generation is
	// disabled. A production process must never silently mint a new identity.
	ErrMissingInProduction = errors.New("keys: no signing key configured in production")
)

// Config controls where the signing key is loaded from.
type Config struct {
	// EnvVar is the name of the environment variable holding a base64
	// encoded 32-byte Ed25519 seed. Checked first.
	EnvVar string

	// FilePath is the on-disk location of the base64 encoded seed.
	// Checked second; written to when a fresh key is generated.
	FilePath string

	// Production disables key auto-generation. With no env value and no
	// readable file, Load fails instead of generating.
	Production bool
}

// Manager holds the loaded signing key pair. Read-only after Load; safe to
// share across goroutines without locking.
type Manager struct {
	private     ed25519.PrivateKey
	public      ed25519.PublicKey
	fingerprint string
}

// Load resolves the signing key in priority order: environment value, key
// file, fresh generation (development only). The private key is never
// logged; use Fingerprint for log correlation.
func Load(cfg Config) (*Manager, error) {
	if cfg.EnvVar != "" {
		if raw, ok := os.LookupEnv(cfg.EnvVar); ok {
			m, err := fromBase64Seed(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformedKey, cfg.EnvVar, err)
			}
			slog.Info("signing key loaded from environment",
				slog.String("fingerprint", m.Fingerprint()),
			)
			return m, nil
		}
	}

	if cfg.FilePath != "" {
		if _, err := os.Stat(cfg.FilePath); err == nil {
			data, err := os.ReadFile(cfg.FilePath)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableKey, cfg.FilePath, err)
			}
			m, err := fromBase64Seed(string(data))
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableKey, cfg.FilePath, err)
			}
			slog.Info("signing key loaded from file",
				slog.String("path", cfg.FilePath),
				slog.String("fingerprint", m.Fingerprint()),
			)
			return m, nil
		}
	}

	if cfg.Production {
		return nil, ErrMissingInProduction
	}

	m, err := Generate()
	if err != nil {
		return nil, err
	}
	if cfg.FilePath != "" {
		if err := persistSeed(cfg.FilePath, m.private.Seed()); err != nil {
			return nil, err
		}
	}
	slog.Warn("no signing key found, generated a fresh one",
		slog.String("path", cfg.FilePath),
		slog.String("fingerprint", m.Fingerprint()),
	)
	return m, nil
}

// Generate creates a fresh random key pair. Exported for tests that need
// ephemeral keys without touching the environment or filesystem.
func Generate() (*Manager, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generating key pair: %w", err)
	}
	return newManager(priv, pub), nil
}

// Private returns the signing key. Callers must treat it as read-only.
func (m *Manager) Private() ed25519.PrivateKey { return m.private }

// Public returns the verification key.
func (m *Manager) Public() ed25519.PublicKey { return m.public }

// Fingerprint returns the SHA-256 hex digest of the public key. Stable for
// the life of the key; safe to log.
func (m *Manager) Fingerprint() string { return m.fingerprint }

func newManager(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Manager {
	sum := sha256.Sum256(pub)
	return &Manager{
		private:     priv,
		public:      pub,
		fingerprint: hex.EncodeToString(sum[:]),
	}
}

// fromBase64Seed decodes a base64 encoded 32-byte Ed25519 seed and derives
// the full key pair from it.
func fromBase64Seed(raw string) (*Manager, error) {
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return newManager(priv, pub), nil
}

// persistSeed writes the base64 encoded seed to disk with permissions
// restricted to the owning user.
func persistSeed(path string, seed []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("keys: creating key directory: %w", err)
		}
	}
	encoded := base64.StdEncoding.EncodeToString(seed)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("keys: writing key file: %w", err)
	}
	return nil
}
