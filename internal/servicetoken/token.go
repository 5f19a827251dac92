// Package servicetoken issues and checks the short-lived RS256 tokens that
// claims intake and operator tooling present to the letters service.
package servicetoken

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTTL    = 2 * time.Minute
	DefaultLeeway = 15 * time.Second
	DefaultKeyID  = "letters-active"

	// ScopeEnqueue lets a producer add queue entries and report claim saves.
	ScopeEnqueue = "letters:enqueue"
	// ScopeAdmin covers queue administration, rules, files and manual render.
	ScopeAdmin = "letters:admin"
)

var (
	ErrMissingToken = errors.New("servicetoken: token required")
	ErrForbidden    = errors.New("servicetoken: scope not granted")
)

// Claims are the registered claims plus a space separated scope list.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the scope claim.
func (c Claims) Scopes() []string { return strings.Fields(c.Scope) }

// HasScope reports whether scope was granted. Admin implies every scope.
func (c Claims) HasScope(scope string) bool {
	granted := c.Scopes()
	return slices.Contains(granted, scope) || slices.Contains(granted, ScopeAdmin)
}

// Signer mints tokens for one issuer.
type Signer struct {
	issuer string
	kid    string
	ttl    time.Duration
	key    *rsa.PrivateKey
	now    func() time.Time
}

type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

func NewSigner(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("servicetoken: issuer is required")
	}
	if strings.TrimSpace(opts.PrivateKeyPath) == "" {
		return nil, errors.New("servicetoken: private key path is required")
	}
	key, err := LoadPrivateKey(opts.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("servicetoken: load private key: %w", err)
	}
	s := &Signer{issuer: issuer, kid: strings.TrimSpace(opts.KeyID), ttl: opts.TTL, key: key, now: time.Now}
	if s.kid == "" {
		s.kid = DefaultKeyID
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	return s, nil
}

// Sign issues a token for audience carrying the given scopes.
func (s *Signer) Sign(audience string, scopes ...string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("servicetoken: audience is required")
	}
	now := s.now().UTC()
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   s.issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	return tok.SignedString(s.key)
}

// Verifier accepts tokens for one audience from a fixed issuer set.
type Verifier struct {
	audience string
	issuers  []string
	leeway   time.Duration
	keys     map[string]*rsa.PublicKey
}

type VerifierOptions struct {
	// PublicKeyPath is registered under DefaultKeyID.
	PublicKeyPath string
	DefaultKeyID  string
	// Keys maps additional kids to public key paths during rotation.
	Keys           map[string]string
	Audience       string
	AllowedIssuers []string
	Leeway         time.Duration
}

func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	v := &Verifier{
		audience: strings.TrimSpace(opts.Audience),
		leeway:   opts.Leeway,
		keys:     map[string]*rsa.PublicKey{},
	}
	if v.audience == "" {
		return nil, errors.New("servicetoken: audience is required")
	}
	for _, iss := range opts.AllowedIssuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			v.issuers = append(v.issuers, iss)
		}
	}
	if len(v.issuers) == 0 {
		return nil, errors.New("servicetoken: at least one allowed issuer is required")
	}
	if v.leeway <= 0 {
		v.leeway = DefaultLeeway
	}
	paths := map[string]string{}
	for kid, p := range opts.Keys {
		paths[kid] = p
	}
	if p := strings.TrimSpace(opts.PublicKeyPath); p != "" {
		kid := strings.TrimSpace(opts.DefaultKeyID)
		if kid == "" {
			kid = DefaultKeyID
		}
		paths[kid] = p
	}
	for kid, p := range paths {
		key, err := LoadPublicKey(p)
		if err != nil {
			return nil, fmt.Errorf("servicetoken: load key %q: %w", kid, err)
		}
		v.keys[kid] = key
	}
	if len(v.keys) == 0 {
		return nil, errors.New("servicetoken: no public keys configured")
	}
	return v, nil
}

// Verify checks signature, time bounds, audience and issuer.
func (v *Verifier) Verify(raw string) (Claims, error) {
	var claims Claims
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return claims, ErrMissingToken
	}
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("token key id required")
		}
		key, ok := v.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown token key %q", kid)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !slices.Contains(v.issuers, claims.Issuer) {
		return claims, fmt.Errorf("issuer %q not allowed", claims.Issuer)
	}
	if claims.ID == "" || strings.TrimSpace(claims.Subject) == "" {
		return claims, errors.New("token missing jti or subject")
	}
	return claims, nil
}

// Authorize verifies the bearer token on r and requires scope.
func (v *Verifier) Authorize(r *http.Request, scope string) (Claims, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return Claims{}, ErrMissingToken
	}
	claims, err := v.Verify(raw)
	if err != nil {
		return claims, err
	}
	if !claims.HasScope(scope) {
		return claims, ErrForbidden
	}
	return claims, nil
}

// BearerToken extracts the Authorization bearer credential.
func BearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
