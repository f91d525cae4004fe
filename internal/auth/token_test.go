package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims *TokenClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func TestInspectToken(t *testing.T) {
	token := signedToken(t, &TokenClaims{
		DeviceID: "device-123",
		Role:     "device",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := InspectToken(token)
	if err != nil {
		t.Fatalf("InspectToken failed: %v", err)
	}
	if claims.DeviceID != "device-123" {
		t.Errorf("Expected device id 'device-123', got %q", claims.DeviceID)
	}
	if claims.Role != "device" {
		t.Errorf("Expected role 'device', got %q", claims.Role)
	}
}

func TestInspectTokenExpiredStillParses(t *testing.T) {
	// Inspection is advisory; an expired token must still parse so the
	// caller can log a warning instead of failing the dial.
	token := signedToken(t, &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	claims, err := InspectToken(token)
	if err != nil {
		t.Fatalf("InspectToken should parse expired tokens, got %v", err)
	}
	if !claims.ExpiresWithin(0) {
		t.Error("Expired token should report as expiring")
	}
}

func TestInspectTokenRejectsGarbage(t *testing.T) {
	if _, err := InspectToken("not-a-jwt"); err == nil {
		t.Error("Expected error for malformed token")
	}
}

func TestExpiresWithin(t *testing.T) {
	tests := []struct {
		name   string
		exp    *jwt.NumericDate
		within time.Duration
		want   bool
	}{
		{"no expiry", nil, time.Hour, false},
		{"far future", jwt.NewNumericDate(time.Now().Add(24 * time.Hour)), time.Hour, false},
		{"near future", jwt.NewNumericDate(time.Now().Add(time.Minute)), time.Hour, true},
		{"already expired", jwt.NewNumericDate(time.Now().Add(-time.Minute)), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := &TokenClaims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: tt.exp}}
			if got := claims.ExpiresWithin(tt.within); got != tt.want {
				t.Errorf("ExpiresWithin(%v) = %v, want %v", tt.within, got, tt.want)
			}
		})
	}
}
