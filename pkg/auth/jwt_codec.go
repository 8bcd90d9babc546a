package auth

import (
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type jwtClaims struct {
	UID      int64  `json:"uid"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// JWTCodec signs HS256 JSON Web Tokens.
type JWTCodec struct {
	secret []byte
	opts   CodecOptions
	parser *jwt.Parser
}

func NewJWTCodec(secret []byte, opts CodecOptions) (*JWTCodec, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	opts = opts.withDefaults()
	key := append([]byte(nil), secret...)
	return &JWTCodec{
		secret: key,
		opts:   opts,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuer(opts.Issuer),
			jwt.WithStrictDecoding(),
			jwt.WithTimeFunc(opts.Now),
		),
	}, nil
}

func (c *JWTCodec) Sign(cl Claims) (Token, error) {
	if err := cl.Validate(); err != nil {
		return "", err
	}
	now := c.opts.Now()
	jc := jwtClaims{
		UID:      cl.ID,
		Username: cl.Username,
		Role:     cl.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.opts.Issuer,
			Subject:   strconv.FormatInt(cl.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.opts.TTL)),
			ID:        uuid.NewString(),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jc).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return Token(s), nil
}

func (c *JWTCodec) Verify(raw string) (out Claims, err error) {
	defer func() {
		if recover() != nil {
			out, err = Claims{}, ErrInvalidToken
		}
	}()
	var jc jwtClaims
	tok, err := c.parser.ParseWithClaims(raw, &jc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	cl := Claims{ID: jc.UID, Username: jc.Username, Role: jc.Role}
	if cl.Validate() != nil || jc.Subject != strconv.FormatInt(jc.UID, 10) {
		return Claims{}, ErrInvalidToken
	}
	return cl, nil
}
