package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier(secret, "parley")
	raw, err := v.Issue("u-1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := v.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u-1" || id.Username != "alice" {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(secret, "parley")

	expired, err := v.Issue("u-1", "alice", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	otherIssuer, err := NewVerifier(secret, "elsewhere").Issue("u-1", "alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	otherSecret, err := NewVerifier([]byte("another-secret-another-secret-xx"), "parley").Issue("u-1", "alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "u-1", Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "parley"},
	}).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	noUser, err := v.Issue("", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	tests := map[string]string{
		"expired":      expired,
		"other issuer": otherIssuer,
		"other secret": otherSecret,
		"no expiry":    noExpiry,
		"no user":      noUser,
		"garbage":      "not.a.jwt",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(raw); !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("Verify() error = %v, want ErrInvalidCredential", err)
			}
		})
	}

	if _, err := v.Verify(""); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("Verify(\"\") error = %v, want ErrMissingCredential", err)
	}
}

func TestFromRequest(t *testing.T) {
	v := NewVerifier(secret, "parley")
	raw, err := v.Issue("u-2", "bob", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/ticket", http.NoBody)
	if _, err := v.FromRequest(req); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("no header: error = %v", err)
	}

	req.Header.Set("Authorization", "Token "+raw)
	if _, err := v.FromRequest(req); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("wrong scheme: error = %v", err)
	}

	req.Header.Set("Authorization", "Bearer "+raw)
	id, err := v.FromRequest(req)
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if id.Username != "bob" {
		t.Errorf("username = %q, want bob", id.Username)
	}
}
