// Package capability builds and verifies the signed capability tokens that
// authorize every API request. A token is a positive-fact accumulator:
// facts (who, which role, which session) are additive, and caveats subtract
// at evaluation time. There is no deny-list -- any restriction must be a
// caveat present in the token at issuance.
//
// Access tokens are verifiable offline with only the public key. Revocation
// is layered on top by the auth service through the session registry;
// this package has no concept of it, by design.
package capability

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type discriminators. A refresh token carries no role or permission
// facts, so a stolen refresh token cannot be replayed as an access token.
const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// Caveat kinds form a closed set evaluated by a fixed interpreter. A kind
// the interpreter does not recognize is a hard reject, never ignored.
const (
	caveatTimeBefore     = "time_before"
	caveatActions        = "actions"
	caveatResourcePrefix = "resource_prefix"
)

// Verification errors. These stay internal for logging and metrics; the
// auth service collapses all of them to a single unauthorized error before
// anything crosses the API boundary.
var (
	ErrBadSignature    = errors.New("capability: bad signature")
	ErrExpired         = errors.New("capability: token expired")
	ErrCaveatViolation = errors.New("capability: caveat violation")
	ErrMalformed       = errors.New("capability: malformed token")
)

// Facts are the verified contents of an access token. Attenuation results
// (action whitelist, resource prefix) are carried alongside the identity
// facts so the caller can narrow permissions accordingly.
type Facts struct {
	UserID    string
	Role      string
	SessionID string
	IssuedAt  time.Time
	Version   uint64

	// Actions is the allowed-action whitelist, nil when unattenuated.
	Actions []string

	// ResourcePrefix restricts the token to resources under this prefix,
	// empty when unattenuated.
	ResourcePrefix string
}

// caveat is the wire form of a single attenuation check.
type caveat struct {
	Kind           string   `json:"kind"`
	TimeBefore     int64    `json:"time_before,omitempty"`
	Actions        []string `json:"actions,omitempty"`
	ResourcePrefix string   `json:"resource_prefix,omitempty"`
}

// tokenClaims is the signed payload. Registered claims carry the subject
// and issue time; everything else rides in custom claims. Expiry is a
// time_before caveat, not the exp claim -- the caveat interpreter is the
// single evaluation point for all restrictions.
type tokenClaims struct {
	jwt.RegisteredClaims
	TokenType string   `json:"token_type"`
	Role      string   `json:"role,omitempty"`
	SessionID string   `json:"sid"`
	Version   uint64   `json:"ver"`
	Caveats   []caveat `json:"cav,omitempty"`
}

// Service issues and verifies capability tokens with the process signing
// key. Stateless and safe for concurrent use.
type Service struct {
	private    ed25519.PrivateKey
	public     ed25519.PublicKey
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Keys is the subset of the key manager this service needs. Satisfied by
// *keys.Manager; tests may substitute ephemeral pairs.
type Keys interface {
	Private() ed25519.PrivateKey
	Public() ed25519.PublicKey
}

// Config holds token lifetimes.
type Config struct {
	// AccessTTL bounds access token validity (default 1 hour).
	AccessTTL time.Duration

	// RefreshTTL bounds refresh token validity (default 24 hours).
	RefreshTTL time.Duration
}

// NewService creates a token service signing with the given key pair.
func NewService(k Keys, cfg Config) *Service {
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	return &Service{
		private:    k.Private(),
		public:     k.Public(),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
}

// IssueOption adds attenuation caveats at issuance time.
type IssueOption func(*tokenClaims)

// WithActions restricts the token to the given whitelist of actions.
func WithActions(actions ...string) IssueOption {
	return func(c *tokenClaims) {
		c.Caveats = append(c.Caveats, caveat{Kind: caveatActions, Actions: actions})
	}
}

// WithResourcePrefix restricts the token to resources under the prefix.
func WithResourcePrefix(prefix string) IssueOption {
	return func(c *tokenClaims) {
		c.Caveats = append(c.Caveats, caveat{Kind: caveatResourcePrefix, ResourcePrefix: prefix})
	}
}

// IssueAccess signs an access token carrying the user's identity facts and
// a time_before caveat at now+AccessTTL. Additional caveats only ever
// narrow what the token can do.
func (s *Service) IssueAccess(userID, role, sessionID string, version uint64, opts ...IssueOption) (string, error) {
	now := s.now()
	claims := &tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		TokenType: typeAccess,
		Role:      role,
		SessionID: sessionID,
		Version:   version,
		Caveats: []caveat{
			{Kind: caveatTimeBefore, TimeBefore: now.Add(s.accessTTL).Unix()},
		},
	}
	for _, opt := range opts {
		opt(claims)
	}
	return s.sign(claims)
}

// IssueRefresh signs a refresh token. Facts are restricted to the session
// identity and rotation version -- no subject, role, or permission facts.
// A non-zero ttl overrides RefreshTTL (remember-me sessions).
func (s *Service) IssueRefresh(sessionID string, version uint64, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.refreshTTL
	}
	now := s.now()
	claims := &tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
		TokenType: typeRefresh,
		SessionID: sessionID,
		Version:   version,
		Caveats: []caveat{
			{Kind: caveatTimeBefore, TimeBefore: now.Add(ttl).Unix()},
		},
	}
	return s.sign(claims)
}

// AccessTTL reports the configured access token lifetime, used by the auth
// service to populate the expires_in field of issued bundles.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// VerifyAccess checks the signature and every caveat of an access token
// and returns its facts. Fails closed: any unmet caveat is a hard reject.
func (s *Service) VerifyAccess(token string) (Facts, error) {
	claims, err := s.parse(token)
	if err != nil {
		return Facts{}, err
	}
	if claims.TokenType != typeAccess {
		return Facts{}, fmt.Errorf("%w: token type %q, want access", ErrCaveatViolation, claims.TokenType)
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return Facts{}, fmt.Errorf("%w: missing identity facts", ErrMalformed)
	}

	facts := Facts{
		UserID:    claims.Subject,
		Role:      claims.Role,
		SessionID: claims.SessionID,
		Version:   claims.Version,
	}
	if claims.IssuedAt != nil {
		facts.IssuedAt = claims.IssuedAt.Time
	}

	if err := s.evaluateCaveats(claims.Caveats, &facts); err != nil {
		return Facts{}, err
	}
	return facts, nil
}

// VerifyRefresh checks the signature and caveats of a refresh token and
// returns the bound session identity. Implies no permission grant.
func (s *Service) VerifyRefresh(token string) (sessionID string, version uint64, err error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", 0, err
	}
	if claims.TokenType != typeRefresh {
		return "", 0, fmt.Errorf("%w: token type %q, want refresh", ErrCaveatViolation, claims.TokenType)
	}
	if claims.SessionID == "" {
		return "", 0, fmt.Errorf("%w: missing session fact", ErrMalformed)
	}
	if err := s.evaluateCaveats(claims.Caveats, nil); err != nil {
		return "", 0, err
	}
	return claims.SessionID, claims.Version, nil
}

func (s *Service) sign(claims *tokenClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.private)
	if err != nil {
		return "", fmt.Errorf("capability: signing token: %w", err)
	}
	return signed, nil
}

// parse verifies the Ed25519 signature and decodes the claims. Claim
// validation is disabled at the parser level: caveat evaluation is the
// single authority on token validity beyond the signature.
func (s *Service) parse(raw string) (*tokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var claims tokenClaims
	_, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return s.public, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return &claims, nil
}

// evaluateCaveats runs the fixed interpreter over every caveat in order.
// When facts is non-nil, narrowing caveats (actions, resource prefix) are
// recorded on it for the caller to apply.
func (s *Service) evaluateCaveats(caveats []caveat, facts *Facts) error {
	now := s.now()
	for _, c := range caveats {
		switch c.Kind {
		case caveatTimeBefore:
			if c.TimeBefore == 0 {
				return fmt.Errorf("%w: time_before caveat without bound", ErrCaveatViolation)
			}
			if !now.Before(time.Unix(c.TimeBefore, 0)) {
				return fmt.Errorf("%w: valid until %d", ErrExpired, c.TimeBefore)
			}
		case caveatActions:
			if len(c.Actions) == 0 {
				return fmt.Errorf("%w: empty action whitelist", ErrCaveatViolation)
			}
			if facts != nil {
				facts.Actions = intersectOrAdopt(facts.Actions, c.Actions)
			}
		case caveatResourcePrefix:
			if c.ResourcePrefix == "" {
				return fmt.Errorf("%w: empty resource prefix", ErrCaveatViolation)
			}
			if facts != nil {
				if facts.ResourcePrefix == "" || strings.HasPrefix(c.ResourcePrefix, facts.ResourcePrefix) {
					// Later caveats may only narrow the earlier prefix.
					facts.ResourcePrefix = c.ResourcePrefix
				} else if !strings.HasPrefix(facts.ResourcePrefix, c.ResourcePrefix) {
					return fmt.Errorf("%w: disjoint resource prefixes", ErrCaveatViolation)
				}
			}
		default:
			return fmt.Errorf("%w: unknown caveat kind %q", ErrCaveatViolation, c.Kind)
		}
	}
	return nil
}

// intersectOrAdopt merges stacked action whitelists: the first whitelist is
// adopted as-is, subsequent ones intersect with it.
func intersectOrAdopt(current, next []string) []string {
	if current == nil {
		out := make([]string, len(next))
		copy(out, next)
		return out
	}
	allowed := make(map[string]struct{}, len(next))
	for _, a := range next {
		allowed[a] = struct{}{}
	}
	// Non-nil even when empty: an empty intersection means no actions are
	// allowed, which is different from no whitelist at all.
	out := make([]string, 0, len(current))
	for _, a := range current {
		if _, ok := allowed[a]; ok {
			out = append(out, a)
		}
	}
	return out
}
