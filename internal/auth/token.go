package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the claims the assistant service puts in device bearer
// tokens
type TokenClaims struct {
	DeviceID string `json:"device_id,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// InspectToken parses a bearer token without verifying its signature. The
// client does not hold the server's signing key; the server remains the
// authority. Inspection is used only to warn about expiry before dialing.
func InspectToken(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}

// ExpiresWithin reports whether the token expires within d of now. Tokens
// without an exp claim never expire from the client's point of view.
func (c *TokenClaims) ExpiresWithin(d time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Until(c.ExpiresAt.Time) < d
}
