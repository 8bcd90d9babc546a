package auth

import (
	"errors"
	"fmt"
	"time"
)

// Token is a signed, transport-safe credential produced only by a
// TokenCodec. It is what the session cookie and bearer header carry.
type Token string

func (t Token) String() string { return string(t) }

// ErrInvalidToken is the only error Verify returns. Callers must not be able
// to tell a tampered token from an expired or garbled one.
var ErrInvalidToken = errors.New("invalid token")

// TokenCodec signs claims and verifies tokens. Implementations are safe for
// concurrent use and never panic out of Verify.
type TokenCodec interface {
	Sign(Claims) (Token, error)
	Verify(raw string) (Claims, error)
}

const (
	FormatJWT          = "jwt"
	FormatSecureCookie = "securecookie"
)

const (
	DefaultTokenTTL = 7 * 24 * time.Hour
	DefaultIssuer   = "ispadmin"
	MinSecretLen    = 16
)

var ErrWeakSecret = fmt.Errorf("secret must be at least %d bytes", MinSecretLen)

type CodecOptions struct {
	TTL    time.Duration
	Issuer string
	// Now overrides the clock; tests use it to move past expiry.
	Now func() time.Time
}

func (o CodecOptions) withDefaults() CodecOptions {
	if o.TTL <= 0 {
		o.TTL = DefaultTokenTTL
	}
	if o.Issuer == "" {
		o.Issuer = DefaultIssuer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// NewCodec builds the codec named by format ("jwt" or "securecookie").
func NewCodec(format string, secret []byte, opts CodecOptions) (TokenCodec, error) {
	switch format {
	case "", FormatJWT:
		return NewJWTCodec(secret, opts)
	case FormatSecureCookie:
		return NewSecureCookieCodec(secret, opts)
	}
	return nil, fmt.Errorf("unknown token format %q", format)
}
