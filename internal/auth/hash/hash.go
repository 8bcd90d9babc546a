// Package hash stores and checks operator passwords.
//
// New hashes are Argon2id in PHC form:
//
//	$argon2id$v=19$m=65536,t=3,p=1$<salt>$<sum>
//
// Bcrypt hashes ($2a$, $2b$, $2y$) imported from older deployments are
// verified but never produced. The "plain:" prefix is a development
// convenience and only verifies when the caller allows it.
package hash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	phcAlg     = "argon2id"
	phcVersion = argon2.Version
	plainTag   = "plain:"
)

// Params controls Argon2id cost. DefaultParams is used by HashPassword.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	SaltLen uint32
	KeyLen  uint32
}

var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 1, SaltLen: 16, KeyLen: 32}

var (
	ErrUnknownScheme = errors.New("hash: unknown scheme")
	ErrMalformed     = errors.New("hash: malformed hash")
)

// Scheme names the algorithm a stored hash uses.
type Scheme string

const (
	SchemeArgon2id Scheme = "argon2id"
	SchemeBcrypt   Scheme = "bcrypt"
	SchemePlain    Scheme = "plain"
)

// Detect reports which scheme produced stored.
func Detect(stored string) (Scheme, error) {
	switch {
	case strings.HasPrefix(stored, "$"+phcAlg+"$"):
		return SchemeArgon2id, nil
	case strings.HasPrefix(stored, "$2a$"), strings.HasPrefix(stored, "$2b$"), strings.HasPrefix(stored, "$2y$"):
		return SchemeBcrypt, nil
	case strings.HasPrefix(stored, plainTag):
		return SchemePlain, nil
	}
	return "", ErrUnknownScheme
}

func HashPassword(plain string) (string, error) {
	return HashWith(plain, DefaultParams)
}

func HashWith(plain string, p Params) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(plain), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		phcAlg, phcVersion, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// Verifier checks a candidate password against a stored hash.
type Verifier struct {
	AllowPlain bool
}

// Verify never returns an error to the caller path: anything unparseable
// simply does not match.
func (v Verifier) Verify(stored, candidate string) bool {
	scheme, err := Detect(stored)
	if err != nil {
		return false
	}
	switch scheme {
	case SchemeArgon2id:
		return verifyArgon(stored, candidate)
	case SchemeBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(candidate)) == nil
	case SchemePlain:
		if !v.AllowPlain {
			return false
		}
		want := strings.TrimPrefix(stored, plainTag)
		return subtle.ConstantTimeCompare([]byte(want), []byte(candidate)) == 1
	}
	return false
}

// VerifyPassword checks candidate against an Argon2id or bcrypt hash.
func VerifyPassword(stored, candidate string) bool {
	return Verifier{}.Verify(stored, candidate)
}

var dummyHash string

func init() {
	h, err := HashWith("unused-dummy-password", DefaultParams)
	if err != nil {
		panic(err)
	}
	dummyHash = h
}

// Dummy burns roughly the same time as a real verification. Call it when
// the username is unknown so response timing does not reveal that.
func Dummy(candidate string) {
	_ = verifyArgon(dummyHash, candidate)
}

// NeedsRehash reports whether stored should be replaced by a fresh
// Argon2id hash at DefaultParams on the next successful login.
func NeedsRehash(stored string) bool {
	return DefaultParams.NeedsRehash(stored)
}

// NeedsRehash reports whether stored is anything other than an Argon2id
// hash at p.
func (p Params) NeedsRehash(stored string) bool {
	got, _, _, err := parsePHC(stored)
	if err != nil {
		return true
	}
	return got.Time != p.Time || got.Memory != p.Memory || got.Threads != p.Threads
}

func verifyArgon(stored, candidate string) bool {
	p, salt, sum, err := parsePHC(stored)
	if err != nil {
		return false
	}
	calc := argon2.IDKey([]byte(candidate), salt, p.Time, p.Memory, p.Threads, uint32(len(sum)))
	return subtle.ConstantTimeCompare(calc, sum) == 1
}

func parsePHC(s string) (Params, []byte, []byte, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != phcAlg {
		return Params{}, nil, nil, ErrMalformed
	}
	if parts[2] != "v="+strconv.Itoa(phcVersion) {
		return Params{}, nil, nil, fmt.Errorf("%w: version %s", ErrMalformed, parts[2])
	}
	var p Params
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Params{}, nil, nil, ErrMalformed
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Params{}, nil, nil, ErrMalformed
		}
		switch k {
		case "m":
			p.Memory = uint32(n)
		case "t":
			p.Time = uint32(n)
		case "p":
			if n > 255 {
				return Params{}, nil, nil, ErrMalformed
			}
			p.Threads = uint8(n)
		}
	}
	if p.Memory == 0 || p.Time == 0 || p.Threads == 0 {
		return Params{}, nil, nil, ErrMalformed
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return Params{}, nil, nil, ErrMalformed
	}
	sum, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(sum) == 0 {
		return Params{}, nil, nil, ErrMalformed
	}
	p.SaltLen, p.KeyLen = uint32(len(salt)), uint32(len(sum))
	return p, salt, sum, nil
}
