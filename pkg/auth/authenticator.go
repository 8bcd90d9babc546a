package auth

import (
	"net/http"
	"strings"
)

// CredentialSource extracts a candidate token from a request.
type CredentialSource interface {
	Name() string
	Credential(r *http.Request) (string, bool)
}

// BearerHeader reads "Authorization: Bearer <token>". The scheme match is
// case-sensitive with exactly one space.
type BearerHeader struct{}

func (BearerHeader) Name() string { return "bearer" }

func (BearerHeader) Credential(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	tok := h[len(prefix):]
	return tok, tok != ""
}

type CookieSource struct {
	Cookie string
}

func (CookieSource) Name() string { return "cookie" }

func (s CookieSource) Credential(r *http.Request) (string, bool) {
	ck, err := r.Cookie(s.Cookie)
	if err != nil || ck.Value == "" {
		return "", false
	}
	return ck.Value, true
}

const (
	OutcomeAuthenticated = "authenticated"
	OutcomeRejected      = "rejected"
	OutcomeAnonymous     = "anonymous"
)

// Observer is told how each request resolved. source is the name of the
// source that produced the result, or "none".
type Observer interface {
	ObserveResolution(source, outcome string)
}

type Authenticator struct {
	codec    TokenCodec
	sources  []CredentialSource
	observer Observer
}

type AuthenticatorOption func(*Authenticator)

func WithSources(s ...CredentialSource) AuthenticatorOption {
	return func(a *Authenticator) { a.sources = s }
}

func WithObserver(o Observer) AuthenticatorOption {
	return func(a *Authenticator) { a.observer = o }
}

// NewAuthenticator tries the bearer header first, then the session cookie.
func NewAuthenticator(codec TokenCodec, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		codec:   codec,
		sources: []CredentialSource{BearerHeader{}, CookieSource{Cookie: SessionCookieName}},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Resolve returns the claims of the first source whose candidate verifies.
// A candidate that fails verification does not stop later sources.
func (a *Authenticator) Resolve(r *http.Request) (c Claims, ok bool) {
	source, outcome := "none", OutcomeAnonymous
	defer func() {
		if recover() != nil {
			c, ok = Claims{}, false
			outcome = OutcomeRejected
		}
		if a.observer != nil {
			a.observer.ObserveResolution(source, outcome)
		}
	}()
	for _, s := range a.sources {
		raw, present := s.Credential(r)
		if !present {
			continue
		}
		source = s.Name()
		cl, err := a.codec.Verify(raw)
		if err != nil {
			outcome = OutcomeRejected
			continue
		}
		outcome = OutcomeAuthenticated
		return cl, true
	}
	return Claims{}, false
}
