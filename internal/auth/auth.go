// Package auth turns a bearer token into the authority context the ledger
// checks roles against.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/davidahmann/dealledger/pkg/types"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Claims struct {
	Subject string
	Issuer  string
	Roles   []string
	Token   string
}

// Authority is the context passed to ledger operations.
func (c Claims) Authority() types.AuthorityContext {
	return types.AuthorityContext{ActorID: c.Subject, Roles: append([]string(nil), c.Roles...)}
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// MultiAuthenticator accepts the static dev token when one is configured,
// then falls back to signed JWTs.
type MultiAuthenticator struct {
	DevToken   string
	DevSubject string
	DevRoles   []string
	JWT        *JWTAuthenticator
}

func (a *MultiAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}

	if a.DevToken != "" && subtle.ConstantTimeCompare([]byte(bearer), []byte(a.DevToken)) == 1 {
		subject := a.DevSubject
		if subject == "" {
			subject = "dev"
		}
		return Claims{Subject: subject, Issuer: "dealledger-dev", Roles: append([]string(nil), a.DevRoles...), Token: bearer}, nil
	}

	if a.JWT != nil {
		claims, err := a.JWT.AuthenticateBearer(bearer)
		if err == nil {
			claims.Token = bearer
			return claims, nil
		}
	}

	return Claims{}, ErrInvalidToken
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
