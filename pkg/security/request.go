// Package security guards the chat server's edge: client IP extraction,
// User-Agent validation and WebSocket connection limits.
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
)

var (
	// ErrMissingUserAgent is returned when the User-Agent header is absent or blank.
	ErrMissingUserAgent = errors.New("User-Agent header is required")

	// ErrInvalidUserAgent is returned when the leading product token is not name/version.
	ErrInvalidUserAgent = errors.New("User-Agent must start with name/version (e.g., parley-cli/v1.0.0)")

	productPattern = regexp.MustCompile(`^([a-zA-Z0-9._-]{1,64})/(\S{1,32})$`)
)

// UserAgent is the leading product token of a User-Agent header.
type UserAgent struct {
	Raw     string
	Name    string
	Version string
}

// String renders the product token.
func (ua *UserAgent) String() string {
	if ua == nil {
		return "unknown/unknown"
	}
	return ua.Name + "/" + ua.Version
}

// ClientIP returns the peer address of r. Forwarding headers are ignored
// because any client can set them.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ParseUserAgent reads the first product token of the User-Agent header.
// Browser agents ("Mozilla/5.0 (...)") and CLI agents ("parley-cli/v1.2.0")
// both pass; anything without a name/version token does not.
func ParseUserAgent(r *http.Request) (*UserAgent, error) {
	raw := strings.TrimSpace(r.UserAgent())
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, ErrMissingUserAgent
	}
	m := productPattern.FindStringSubmatch(fields[0])
	if m == nil {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidUserAgent, raw)
	}
	return &UserAgent{Raw: raw, Name: m[1], Version: m[2]}, nil
}
