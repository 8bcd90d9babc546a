package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// ClaimsEcho is an unsigned, base64 JSON copy of a caller's claims returned
// by the introspection endpoint. It is not a Token and no codec accepts it.
type ClaimsEcho string

var ErrInvalidEcho = errors.New("invalid claims echo")

func EncodeEcho(c Claims) ClaimsEcho {
	b, _ := json.Marshal(c)
	return ClaimsEcho(base64.StdEncoding.EncodeToString(b))
}

func DecodeEcho(e ClaimsEcho) (Claims, error) {
	b, err := base64.StdEncoding.DecodeString(string(e))
	if err != nil {
		return Claims{}, ErrInvalidEcho
	}
	var c Claims
	if err := json.Unmarshal(b, &c); err != nil {
		return Claims{}, ErrInvalidEcho
	}
	return c, nil
}
