// Package password provides argon2id password hashing, verification,
// policy enforcement, and strength scoring. It is used only during
// credential-establishing flows (registration, login, password change) --
// token verification never touches this package.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters tuned for a self-hosted application running on
// modest hardware (2-4 CPU cores, 2-4 GB RAM). These follow OWASP
// recommendations for argon2id: memory=64MB, iterations=3, parallelism=4.
// The parameters are embedded in every encoded hash, so verification of
// old hashes keeps working if these constants ever change.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB in KiB
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// Password length bounds enforced by ValidatePolicy.
const (
	minLength = 8
	maxLength = 128
)

// ErrMismatch is returned when a password does not match the stored hash.
// It deliberately covers malformed hashes too: the caller must not be able
// to tell which failure occurred.
var ErrMismatch = errors.New("password: mismatch")

// PolicyError describes the first password policy rule a candidate
// violated. The reason is safe to show to the user.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return "password: policy violation: " + e.Reason
}

// Service hashes and verifies passwords. The zero value is not usable;
// construct with NewService.
type Service struct {
	// dummyHash is a throwaway argon2id hash used to equalize timing when
	// verification fails before the expensive hash computation.
	dummySalt []byte
}

// NewService creates a password service.
func NewService() *Service {
	salt := make([]byte, argonSaltLen)
	_, _ = rand.Read(salt)
	return &Service{dummySalt: salt}
}

// Hash creates an argon2id hash of the given password in the standard PHC
// string format: $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>. The format
// is self-contained, so no separate salt or parameter storage is needed.
func (s *Service) Hash(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password: generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads, b64Salt, b64Hash)

	return encoded, nil
}

// Verify checks a plaintext password against an encoded argon2id hash.
// Returns nil on match and ErrMismatch otherwise.
//
// When the encoded hash fails to parse, a dummy hash of equivalent cost is
// computed before returning, so "malformed hash" and "wrong password" are
// not distinguishable by wall-clock timing.
func (s *Service) Verify(password, encodedHash string) error {
	memory, iterations, parallelism, salt, expected, err := decodeHash(encodedHash)
	if err != nil {
		s.burnEquivalentCost(password)
		return ErrMismatch
	}

	computed := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expected)))

	if subtle.ConstantTimeCompare(expected, computed) != 1 {
		return ErrMismatch
	}
	return nil
}

// BurnCost computes a throwaway hash at the standard cost. Callers use it
// to equalize timing on paths that would otherwise skip the expensive hash
// entirely (for example, login with an unknown email).
func (s *Service) BurnCost(password string) {
	s.burnEquivalentCost(password)
}

func (s *Service) burnEquivalentCost(password string) {
	_ = argon2.IDKey([]byte(password), s.dummySalt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// ValidatePolicy checks a candidate password against the account policy:
// 8-128 characters with at least one uppercase letter, one lowercase
// letter, and one digit. The first violated rule's reason is returned.
func (s *Service) ValidatePolicy(password string) error {
	length := len(password)
	if length < minLength {
		return &PolicyError{Reason: fmt.Sprintf("password must be at least %d characters", minLength)}
	}
	if length > maxLength {
		return &PolicyError{Reason: fmt.Sprintf("password must be at most %d characters", maxLength)}
	}

	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}

	if !hasUpper {
		return &PolicyError{Reason: "password must contain at least one uppercase letter"}
	}
	if !hasLower {
		return &PolicyError{Reason: "password must contain at least one lowercase letter"}
	}
	if !hasDigit {
		return &PolicyError{Reason: "password must contain at least one digit"}
	}
	return nil
}

// commonPatterns are substrings that immediately flag a password as
// predictable for scoring purposes.
var commonPatterns = []string{"123", "abc", "password", "qwerty"}

// Strength scores a password from 0 (trivial) to 100 (strong). Pure
// function with no side effects; suitable for live UI feedback before the
// password is ever established. Components: length (up to 40), character
// class diversity (7 per class, up to 28), consecutive-repeat band (up to
// 20), and a bonus for avoiding common patterns (10).
func Strength(password string) uint8 {
	var score uint8

	switch length := len(password); {
	case length <= 7:
		// no points
	case length <= 11:
		score += 10
	case length <= 15:
		score += 20
	case length <= 19:
		score += 30
	default:
		score += 40
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	for _, present := range []bool{hasLower, hasUpper, hasDigit, hasSpecial} {
		if present {
			score += 7
		}
	}

	var repeats int
	var prev rune
	for i, r := range password {
		if i > 0 && r == prev {
			repeats++
		}
		prev = r
	}
	switch {
	case repeats <= 2:
		score += 20
	case repeats <= 5:
		score += 10
	}

	lowered := strings.ToLower(password)
	common := false
	for _, pattern := range commonPatterns {
		if strings.Contains(lowered, pattern) {
			common = true
			break
		}
	}
	if !common {
		score += 10
	}

	if score > 100 {
		score = 100
	}
	return score
}

// decodeHash parses a PHC-format argon2id string into its parameters,
// salt, and hash bytes.
func decodeHash(encoded string) (memory, iterations uint32, parallelism uint8, salt, hash []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return 0, 0, 0, nil, nil, errors.New("wrong number of segments")
	}
	if parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, errors.New("not an argon2id hash")
	}

	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("parsing version: %w", err)
	}
	if version != argon2.Version {
		return 0, 0, 0, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("parsing parameters: %w", err)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("decoding salt: %w", err)
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("decoding hash: %w", err)
	}
	// A record with a truncated salt or hash segment must be treated as
	// malformed: argon2.IDKey panics on keyLen 0, and an empty expected
	// hash would compare equal to an empty computed one.
	if len(salt) < argonSaltLen/2 {
		return 0, 0, 0, nil, nil, errors.New("salt too short")
	}
	if len(hash) < argonKeyLen/2 {
		return 0, 0, 0, nil, nil, errors.New("hash too short")
	}
	return memory, iterations, parallelism, salt, hash, nil
}
