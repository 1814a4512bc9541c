package server

import (
	"net/http"

	"github.com/luckyim/delivery/errors"
)

// TokenVerifier validates a bearer token and returns the user it belongs
// to. Verification itself lives outside the delivery core.
type TokenVerifier func(token string) (userID string, err error)

// TokenAuthenticator reads the handshake query parameters `token` and
// `device_type` and delegates token verification.
type TokenAuthenticator struct {
	Verify TokenVerifier
}

// Authenticate implements interfaces.Authenticator.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, string, error) {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		return "", "", errors.NewAuthenticationFailed("", "missing token")
	}
	userID, err := a.Verify(token)
	if err != nil {
		return "", "", errors.NewAuthenticationFailed("", err.Error())
	}
	return userID, q.Get("device_type"), nil
}

// InsecureAuthenticator trusts the `user_id` and `device_type` query
// parameters without verification. Development and test use only.
type InsecureAuthenticator struct{}

// Authenticate implements interfaces.Authenticator.
func (InsecureAuthenticator) Authenticate(r *http.Request) (string, string, error) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		return "", "", errors.NewAuthenticationFailed("", "missing user_id")
	}
	return userID, q.Get("device_type"), nil
}
