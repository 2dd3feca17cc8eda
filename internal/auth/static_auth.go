package auth

import (
	"net/http"
)

// StaticAuthenticator is a development-only authenticator that accepts any snt_ key.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(r *http.Request) (*CallerContext, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}
	if len(token) < 8 {
		return nil, ErrUnauthenticated
	}
	// Accept any snt_ prefixed key with a static project ID
	return &CallerContext{ProjectID: "static-" + token[:8], FailOpen: true}, nil
}
