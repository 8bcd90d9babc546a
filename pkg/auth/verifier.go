package auth

import (
	"context"
	"errors"
	"fmt"

	"ispadmin/internal/auth/hash"
)

// ErrInvalidCredentials covers unknown users, disabled users and wrong
// passwords alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Account is the stored view of a user the verifier needs.
type Account struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         Role
	Disabled     bool
}

// AccountLookup finds an account by username. found=false with a nil error
// means the user does not exist.
type AccountLookup interface {
	LookupAccount(ctx context.Context, username string) (acct Account, found bool, err error)
}

type Verifier struct {
	accounts AccountLookup
	hashes   hash.Verifier
}

// NewVerifier checks passwords against accounts. allowPlain enables
// "plain:" development hashes and must be false in production.
func NewVerifier(accounts AccountLookup, allowPlain bool) *Verifier {
	return &Verifier{accounts: accounts, hashes: hash.Verifier{AllowPlain: allowPlain}}
}

// VerifyPassword returns the account's claims when password matches. Store
// failures are wrapped and returned as-is so callers can log them.
func (v *Verifier) VerifyPassword(ctx context.Context, username, password string) (Claims, error) {
	if username == "" || password == "" {
		hash.Dummy(password)
		return Claims{}, ErrInvalidCredentials
	}
	acct, found, err := v.accounts.LookupAccount(ctx, username)
	if err != nil {
		return Claims{}, fmt.Errorf("lookup account: %w", err)
	}
	if !found {
		hash.Dummy(password)
		return Claims{}, ErrInvalidCredentials
	}
	if !v.hashes.Verify(acct.PasswordHash, password) || acct.Disabled {
		return Claims{}, ErrInvalidCredentials
	}
	c := Claims{ID: acct.ID, Username: acct.Username, Role: acct.Role}
	if err := c.Validate(); err != nil {
		return Claims{}, fmt.Errorf("stored account %q: %w", acct.Username, err)
	}
	return c, nil
}
