package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer  abc ", "abc", false},
		{"", "", true},
		{"Bearer ", "", true},
		{"Basic abc", "", true},
		{"abc", "", true},
	}

	for _, tt := range tests {
		got, err := ExtractToken(tt.header)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractToken(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ExtractToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestIssueAndVerify(t *testing.T) {
	s, err := NewSigner("secret", time.Hour)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	token, err := s.Issue("42", "user")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.UserID != "42" || claims.Role != "user" {
		t.Errorf("Unexpected claims %+v", claims)
	}
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	s, _ := NewSigner("secret", time.Hour)
	other, _ := NewSigner("other", time.Hour)
	expired, _ := NewSigner("secret", -time.Minute)

	foreign, _ := other.Issue("42", "")
	stale, _ := expired.Issue("42", "")
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "42"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{
		"wrong secret": foreign,
		"expired":      stale,
		"alg none":     none,
		"garbage":      "not-a-token",
	} {
		if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner("", 0); err == nil {
		t.Error("Expected error for empty secret")
	}
}
