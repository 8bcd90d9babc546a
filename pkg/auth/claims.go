// Package auth issues and checks the signed tokens that identify dashboard
// operators, and resolves them from incoming requests.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Role is an operator's privilege tier. Roles are ordered:
// viewer < operator < administrator.
type Role string

const (
	RoleViewer        Role = "viewer"
	RoleOperator      Role = "operator"
	RoleAdministrator Role = "administrator"
)

var ErrUnknownRole = errors.New("unknown role")

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	case RoleAdministrator:
		return 3
	}
	return 0
}

func (r Role) Valid() bool { return r.rank() > 0 }

// AtLeast reports whether r grants everything min grants. An unknown role
// satisfies nothing.
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && r.rank() >= min.rank()
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Claims is the identity carried inside a token. It is never mutated once
// signed.
type Claims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

var ErrInvalidClaims = errors.New("invalid claims")

func (c Claims) Validate() error {
	switch {
	case c.ID <= 0:
		return fmt.Errorf("%w: id must be positive", ErrInvalidClaims)
	case c.Username == "":
		return fmt.Errorf("%w: username required", ErrInvalidClaims)
	case !c.Role.Valid():
		return fmt.Errorf("%w: role %q", ErrInvalidClaims, c.Role)
	}
	return nil
}
