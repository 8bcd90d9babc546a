package users

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"ispadmin/pkg/auth"
)

const BootstrapUsername = "admin"

// EnsureAdministrator creates an administrator with a random password when
// the store has none. The password is returned once and never stored in
// clear; created is false when an administrator already existed.
func EnsureAdministrator(ctx context.Context, s *Store, hash func(string) (string, error)) (username, password string, created bool, err error) {
	if s.HasAdministrator() {
		return "", "", false, nil
	}
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", "", false, fmt.Errorf("generate password: %w", err)
	}
	password = base64.RawURLEncoding.EncodeToString(buf)
	ph, err := hash(password)
	if err != nil {
		return "", "", false, fmt.Errorf("hash password: %w", err)
	}
	username = BootstrapUsername
	if _, err := s.FindByUsername(username); err == nil {
		// a disabled or demoted "admin" keeps its name; pick a fresh one
		username = fmt.Sprintf("%s-%d", BootstrapUsername, s.now().Unix())
	}
	if _, err := s.Create(ctx, User{Username: username, PasswordHash: ph, Role: auth.RoleAdministrator}); err != nil {
		return "", "", false, err
	}
	return username, password, true, nil
}
