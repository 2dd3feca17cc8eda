// Package auth validates caller API keys on the guardrail's HTTP surface.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Authenticator validates incoming requests and returns a CallerContext.
type Authenticator interface {
	Authenticate(r *http.Request) (*CallerContext, error)
}

// CallerContext holds the authenticated caller's identity and configuration.
type CallerContext struct {
	ProjectID string
	FailOpen  bool
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts a snt_ API key from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrUnauthenticated
	}
	token := strings.TrimPrefix(header, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, "snt_") {
		return "", ErrUnauthenticated
	}
	return token, nil
}
