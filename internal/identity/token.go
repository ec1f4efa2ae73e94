// Package identity: JWT session tokens.
//
// Sessions are stateless: after the OAuth callback upserts the subject, the
// server issues an HS256 JWT carrying the subject id in the "sub" claim and
// stores it in an HttpOnly cookie. Subsequent API calls are authenticated by
// validating the signature and expiry — no session table, no store lookup.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "tessium-waitlist"

// DefaultTokenLifetime keeps the session alive across a typical visit;
// the client refreshes by re-hitting the OAuth flow.
const DefaultTokenLifetime = 24 * time.Hour

// TokenService signs and validates session JWTs with a shared HMAC secret.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService with the given secret.
// The secret should be at least 32 bytes of random data in production.
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("identity: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Generate creates and signs a session token for the given subject id.
func (s *TokenService) Generate(subjectID string) (string, error) {
	return s.GenerateWithDuration(subjectID, DefaultTokenLifetime)
}

// GenerateWithDuration creates a token with a custom expiry duration.
func (s *TokenService) GenerateWithDuration(subjectID string, d time.Duration) (string, error) {
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("identity: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a JWT string and returns the subject id it
// encodes. Rejects expired, tampered, foreign-issuer, and non-HMAC tokens
// (the method check blocks algorithm-confusion tricks).
func (s *TokenService) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("identity: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		return "", fmt.Errorf("identity: parsing token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", errors.New("identity: invalid token")
	}
	if c.Subject == "" {
		return "", errors.New("identity: token has no subject")
	}
	return c.Subject, nil
}
