// Package auth verifies the bearer credentials presented to the HTTP API.
// Credentials are HS256 JWTs minted by the account service; Issue exists for
// development tooling and tests.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	// ErrMissingCredential is returned when no bearer token is present.
	ErrMissingCredential = errors.New("missing bearer credential")
	// ErrInvalidCredential is returned when the token fails verification.
	ErrInvalidCredential = errors.New("invalid bearer credential")
)

// Claims is the payload carried by a bearer token.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Identity is the verified caller.
type Identity struct {
	UserID   string
	Username string
}

// Verifier checks and mints tokens with a shared secret.
type Verifier struct {
	issuer string
	secret []byte
}

// NewVerifier creates a verifier for tokens signed with secret by issuer.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer}
}

// Issue signs a token for the user valid for ttl.
func (v *Verifier) Issue(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses raw and returns the identity it carries.
func (v *Verifier) Verify(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrMissingCredential
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if !token.Valid || claims.UserID == "" || claims.Username == "" {
		return Identity{}, ErrInvalidCredential
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// FromRequest verifies the Authorization header of r.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Identity{}, ErrMissingCredential
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return Identity{}, fmt.Errorf("%w: expected Bearer scheme", ErrInvalidCredential)
	}
	return v.Verify(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
}
