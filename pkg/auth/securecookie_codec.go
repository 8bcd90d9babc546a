package auth

import (
	"encoding/base64"
	"time"

	"github.com/gorilla/securecookie"
)

// cookiePayload is what the securecookie format serializes. Exp is checked
// against the codec clock; securecookie's own MaxAge backs it up.
type cookiePayload struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Exp      int64  `json:"exp"`
}

// SecureCookieCodec signs tokens with gorilla/securecookie (HMAC-SHA256).
type SecureCookieCodec struct {
	sc   *securecookie.SecureCookie
	opts CodecOptions
}

func NewSecureCookieCodec(secret []byte, opts CodecOptions) (*SecureCookieCodec, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	opts = opts.withDefaults()
	sc := securecookie.New(append([]byte(nil), secret...), nil)
	sc.SetSerializer(securecookie.JSONEncoder{})
	sc.MaxAge(int(opts.TTL / time.Second))
	return &SecureCookieCodec{sc: sc, opts: opts}, nil
}

func (c *SecureCookieCodec) Sign(cl Claims) (Token, error) {
	if err := cl.Validate(); err != nil {
		return "", err
	}
	p := cookiePayload{
		ID:       cl.ID,
		Username: cl.Username,
		Role:     cl.Role,
		Exp:      c.opts.Now().Add(c.opts.TTL).Unix(),
	}
	s, err := c.sc.Encode(SessionCookieName, p)
	if err != nil {
		return "", err
	}
	return Token(s), nil
}

func (c *SecureCookieCodec) Verify(raw string) (out Claims, err error) {
	defer func() {
		if recover() != nil {
			out, err = Claims{}, ErrInvalidToken
		}
	}()
	// securecookie decodes leniently; a change to the trailing padding bits
	// would otherwise decode to the same bytes.
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}
	if _, err := base64.URLEncoding.Strict().DecodeString(raw); err != nil {
		return Claims{}, ErrInvalidToken
	}
	var p cookiePayload
	if err := c.sc.Decode(SessionCookieName, raw, &p); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if c.opts.Now().Unix() >= p.Exp {
		return Claims{}, ErrInvalidToken
	}
	cl := Claims{ID: p.ID, Username: p.Username, Role: p.Role}
	if cl.Validate() != nil {
		return Claims{}, ErrInvalidToken
	}
	return cl, nil
}
