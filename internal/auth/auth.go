// Package auth authenticates hook server callers. A request carries either
// the shared static token or an HS256 JWT signed with the server secret.
// JWTs can be narrowed to scopes so a CI job may trigger hooks without
// being able to stop the service.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is written into every token this package signs.
const Issuer = "deployr"

// Scopes a token may carry. A token without scopes may do everything.
const (
	ScopeHooks   = "hooks"   // POST /hooks/:event
	ScopeService = "service" // POST /service/:verb
	ScopeRead    = "read"    // status, init script, history, process
)

var AllScopes = []string{ScopeHooks, ScopeService, ScopeRead}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoSecret           = errors.New("jwt secret is not configured")
	ErrUnknownScope       = errors.New("unknown scope")
)

// Config is the authentication part of [server].
type Config struct {
	// Token is a shared secret compared in constant time.
	Token string
	// JWTSecret enables HS256 tokens issued by `deployr token`.
	JWTSecret string
}

// Claims identify a caller.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant scope.
func (c *Claims) Allows(scope string) bool {
	return len(c.Scopes) == 0 || slices.Contains(c.Scopes, scope)
}

// Verifier checks bearer credentials.
type Verifier struct {
	token  []byte
	secret []byte
}

func NewVerifier(c Config) *Verifier {
	return &Verifier{token: []byte(c.Token), secret: []byte(c.JWTSecret)}
}

// Enabled is false when neither a token nor a secret is configured, in
// which case every request is accepted.
func (v *Verifier) Enabled() bool {
	return len(v.token) > 0 || len(v.secret) > 0
}

// Verify accepts the static token or a valid JWT and returns the caller's
// claims. The static token yields unscoped claims with subject "token".
func (v *Verifier) Verify(credential string) (*Claims, error) {
	if credential == "" {
		return nil, ErrInvalidCredentials
	}
	if len(v.token) > 0 && subtle.ConstantTimeCompare([]byte(credential), v.token) == 1 {
		return &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "token"}}, nil
	}
	if len(v.secret) == 0 {
		return nil, ErrInvalidCredentials
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return claims, nil
}

// Issue signs a token for subject valid for ttl.
func Issue(secret, subject string, ttl time.Duration, scopes []string) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	for _, s := range scopes {
		if !slices.Contains(AllScopes, s) {
			return "", fmt.Errorf("%w %q (want one of %v)", ErrUnknownScope, s, AllScopes)
		}
	}
	now := time.Now()
	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}
