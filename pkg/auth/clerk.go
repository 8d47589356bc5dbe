package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/emergent-company/agentbilling/internal/config"
)

// ClerkClaims are the claims carried by a Clerk session token.
type ClerkClaims struct {
	jwt.RegisteredClaims
	SessionID       string `json:"sid,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`
	Email           string `json:"email,omitempty"`
}

// SessionVerifier verifies Clerk session tokens offline with the instance's
// PEM public key.
type SessionVerifier struct {
	key     *rsa.PublicKey
	issuer  string
	parties []string
	leeway  time.Duration
	now     func() time.Time
}

var errVerifierDisabled = errors.New("clerk session verification is not configured")

// NewSessionVerifier parses the configured key. A missing key yields a
// verifier that rejects every token.
func NewSessionVerifier(cfg *config.Config) (*SessionVerifier, error) {
	v := &SessionVerifier{
		issuer:  cfg.Clerk.Issuer,
		parties: cfg.Clerk.AuthorizedParties,
		leeway:  cfg.Clerk.ClockSkew,
		now:     time.Now,
	}
	if !cfg.Clerk.IsConfigured() {
		return v, nil
	}

	// Env files often carry the PEM with escaped newlines.
	pem := strings.ReplaceAll(cfg.Clerk.JWTKey, `\n`, "\n")
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parse CLERK_JWT_KEY: %w", err)
	}
	v.key = key
	return v, nil
}

// Verify checks signature, expiry, issuer and authorized party, and returns
// the claims of a valid token.
func (v *SessionVerifier) Verify(token string) (*ClerkClaims, error) {
	if v.key == nil {
		return nil, errVerifierDisabled
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &ClerkClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	if len(v.parties) > 0 && claims.AuthorizedParty != "" && !slices.Contains(v.parties, claims.AuthorizedParty) {
		return nil, fmt.Errorf("unauthorized party %q", claims.AuthorizedParty)
	}
	return claims, nil
}
