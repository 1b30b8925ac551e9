package http

import (
	"encoding/base64"
	"net/http"

	"github.com/nucleus/tracker-core/internal/tracker"
)

// =============================================================================
// AUTHENTICATION STRATEGIES
// =============================================================================

// AuthConfig represents authentication configuration.
type AuthConfig interface {
	Apply(req *http.Request)
}

// NoAuth represents no authentication.
type NoAuth struct{}

func (a NoAuth) Apply(req *http.Request) {}

// BasicAuth uses HTTP Basic Authentication. Atlassian Cloud takes the
// account email as Username and an API token as Password.
type BasicAuth struct {
	Username string
	Password string
}

// Apply adds Basic auth header to the request.
func (a BasicAuth) Apply(req *http.Request) {
	if a.Username == "" && a.Password == "" {
		return
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	req.Header.Set("Authorization", "Basic "+credentials)
}

// BearerToken uses Bearer token authentication.
type BearerToken struct {
	Token string
}

// Apply adds Bearer token header to the request.
func (a BearerToken) Apply(req *http.Request) {
	if a.Token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// APIKey uses API key authentication.
type APIKey struct {
	Key    string
	Header string // Header name (default: X-API-Key)
}

// Apply adds API key header to the request.
func (a APIKey) Apply(req *http.Request) {
	if a.Key == "" {
		return
	}
	header := a.Header
	if header == "" {
		header = "X-API-Key"
	}
	req.Header.Set(header, a.Key)
}

// AuthFor picks a strategy from resolved credentials: a token wins over a
// user/password pair. tokenHeader, when set, sends the token as an API key
// header instead of a bearer token.
func AuthFor(creds tracker.Credentials, tokenHeader string) AuthConfig {
	switch {
	case creds.Token != "" && creds.User != "" && tokenHeader == "":
		return BasicAuth{Username: creds.User, Password: creds.Token}
	case creds.Token != "" && tokenHeader != "":
		return APIKey{Key: creds.Token, Header: tokenHeader}
	case creds.Token != "":
		return BearerToken{Token: creds.Token}
	case creds.User != "" || creds.Password != "":
		return BasicAuth{Username: creds.User, Password: creds.Password}
	}
	return NoAuth{}
}
