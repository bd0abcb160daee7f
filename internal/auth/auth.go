// Package auth authenticates API callers by bearer token and checks the
// scopes their token grants.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API. A ":rw" scope implies the matching ":ro".
const (
	ScopeAll        = "*"
	ScopeDispatchRO = "dispatch:ro"
	ScopeDispatchRW = "dispatch:rw"
	ScopeRequestsRO = "requests:ro"
	ScopeRequestsRW = "requests:rw"
	ScopeClientsRO  = "clients:ro"
	ScopeClientsRW  = "clients:rw"
	ScopeChannelsRW = "channels:rw"
	ScopeEventsRO   = "events:ro"
)

var impliedReads = map[string]string{
	ScopeDispatchRW: ScopeDispatchRO,
	ScopeRequestsRW: ScopeRequestsRO,
	ScopeClientsRW:  ScopeClientsRO,
}

var (
	ErrMissingCredentials = errors.New("missing Authorization header")
	ErrMalformedHeader    = errors.New("invalid Authorization header format")
	ErrInvalidToken       = errors.New("invalid API key")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	// Admin is set for the admin key and for unauthenticated servers.
	Admin  bool
	Scopes map[string]struct{}
}

// Allows reports whether p holds any of required. An empty list is always
// allowed.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 || p.Admin {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type credential struct {
	token     []byte
	principal Principal
}

// Authenticator resolves bearer tokens to principals. Scopes are
// normalized once at construction.
type Authenticator struct {
	creds []credential
}

// NewAuthenticator builds an authenticator for an optional admin key and a
// list of scoped tokens. Empty tokens are ignored.
func NewAuthenticator(adminKey string, tokens []TokenConfig) *Authenticator {
	a := &Authenticator{}
	if adminKey != "" {
		a.creds = append(a.creds, credential{
			token:     []byte(adminKey),
			principal: Principal{Admin: true},
		})
	}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.creds = append(a.creds, credential{
			token:     []byte(t.Token),
			principal: Principal{Scopes: normalizeScopes(t.Scopes)},
		})
	}
	return a
}

// Enabled reports whether any credential is configured. A disabled
// authenticator admits every caller as admin.
func (a *Authenticator) Enabled() bool {
	return len(a.creds) > 0
}

// Authenticate matches presented against every configured credential.
func (a *Authenticator) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	p := []byte(presented)
	for _, c := range a.creds {
		if subtle.ConstantTimeCompare(p, c.token) == 1 {
			return c.principal, true
		}
	}
	return Principal{}, false
}

// FromRequest authenticates the bearer token on r.
func (a *Authenticator) FromRequest(r *http.Request) (Principal, error) {
	if !a.Enabled() {
		return Principal{Admin: true}, nil
	}
	token, err := BearerToken(r)
	if err != nil {
		return Principal{}, err
	}
	p, ok := a.Authenticate(token)
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedHeader
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredentials
	}
	return token, nil
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	for rw, ro := range impliedReads {
		if _, ok := out[rw]; ok {
			out[ro] = struct{}{}
		}
	}
	return out
}
